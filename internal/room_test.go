package internal_test

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/wordgrid/internal"
)

// captureSender 測試用的出站訊息接收端
type captureSender struct {
	mu       sync.Mutex
	messages [][]byte
}

func (s *captureSender) Enqueue(message []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message)
	return true
}

// ofType 解碼所有指定類型的已收訊息
func (s *captureSender) ofType(t *testing.T, msgType string) []map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []map[string]any
	for _, raw := range s.messages {
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (s *captureSender) count(t *testing.T, msgType string) int {
	t.Helper()
	return len(s.ofType(t, msgType))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fiveWords() []string {
	return []string{"CAT", "DOG", "BIRD", "FISH", "LION"}
}

// setupFullRoom 創建滿員房間：host 為主機，guest 為第二位玩家
func setupFullRoom(t *testing.T) (*internal.Room, *captureSender, *captureSender) {
	t.Helper()

	room := internal.NewRoom("AB12CD", "host", testLogger(), nil, nil)
	s1 := &captureSender{}
	s2 := &captureSender{}

	n1, perr := room.AddPlayer("host", "Alice", s1)
	require.Nil(t, perr)
	require.Equal(t, 1, n1)

	n2, perr := room.AddPlayer("guest", "Bob", s2)
	require.Nil(t, perr)
	require.Equal(t, 2, n2)

	return room, s1, s2
}

func startLevel(t *testing.T, room *internal.Room, level int, words []string) {
	t.Helper()
	perr := room.StartLevel(room.HostID(), &internal.GameConfig{
		Words:        words,
		CurrentLevel: level,
	})
	require.Nil(t, perr)
}

func TestNewRoom(t *testing.T) {
	room := internal.NewRoom("AB12CD", "host", testLogger(), nil, nil)

	assert.Equal(t, "AB12CD", room.Code())
	assert.Equal(t, internal.StatusLobby, room.Status())
	assert.Equal(t, "host", room.HostID())
	assert.Equal(t, 1, room.Level())
	assert.Equal(t, map[int]int{1: 0, 2: 0}, room.Scores())
}

func TestRoom_AddPlayer(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(room *internal.Room)
		playerID string
		validate func(t *testing.T, room *internal.Room, number int, perr *internal.ProtoError)
	}{
		{
			name:     "first player gets number 1, room stays in lobby",
			setup:    func(room *internal.Room) {},
			playerID: "host",
			validate: func(t *testing.T, room *internal.Room, number int, perr *internal.ProtoError) {
				require.Nil(t, perr)
				assert.Equal(t, 1, number)
				assert.Equal(t, internal.StatusLobby, room.Status())
			},
		},
		{
			name: "second player gets number 2, room becomes ready",
			setup: func(room *internal.Room) {
				_, perr := room.AddPlayer("host", "Alice", &captureSender{})
				require.Nil(t, perr)
			},
			playerID: "guest",
			validate: func(t *testing.T, room *internal.Room, number int, perr *internal.ProtoError) {
				require.Nil(t, perr)
				assert.Equal(t, 2, number)
				assert.Equal(t, internal.StatusReady, room.Status())
			},
		},
		{
			name: "third player rejected with room full",
			setup: func(room *internal.Room) {
				_, perr := room.AddPlayer("host", "Alice", &captureSender{})
				require.Nil(t, perr)
				_, perr = room.AddPlayer("guest", "Bob", &captureSender{})
				require.Nil(t, perr)
			},
			playerID: "intruder",
			validate: func(t *testing.T, room *internal.Room, number int, perr *internal.ProtoError) {
				require.NotNil(t, perr)
				assert.Equal(t, internal.ErrRoomFull, perr.Code)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room := internal.NewRoom("AB12CD", "host", testLogger(), nil, nil)
			tt.setup(room)

			number, perr := room.AddPlayer(tt.playerID, "", &captureSender{})
			tt.validate(t, room, number, perr)
		})
	}
}

func TestRoom_AddPlayer_NotifiesExistingOccupant(t *testing.T) {
	room := internal.NewRoom("AB12CD", "host", testLogger(), nil, nil)
	s1 := &captureSender{}
	s2 := &captureSender{}

	_, perr := room.AddPlayer("host", "Alice", s1)
	require.Nil(t, perr)
	_, perr = room.AddPlayer("guest", "Bob", s2)
	require.Nil(t, perr)

	// 既有玩家收到 PLAYER_JOINED，加入者本人不收
	joined := s1.ofType(t, internal.TypePlayerJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "Bob", joined[0]["playerName"])
	assert.Equal(t, float64(2), joined[0]["playerNumber"])

	assert.Zero(t, s2.count(t, internal.TypePlayerJoined))
}

func TestRoom_StartLevel(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(t *testing.T) *internal.Room
		playerID string
		cfg      *internal.GameConfig
		validate func(t *testing.T, room *internal.Room, perr *internal.ProtoError)
	}{
		{
			name: "non-host rejected, state unchanged",
			setup: func(t *testing.T) *internal.Room {
				room, _, _ := setupFullRoom(t)
				return room
			},
			playerID: "guest",
			cfg:      &internal.GameConfig{Words: fiveWords()},
			validate: func(t *testing.T, room *internal.Room, perr *internal.ProtoError) {
				require.NotNil(t, perr)
				assert.Equal(t, internal.ErrNotHost, perr.Code)
				assert.Equal(t, internal.StatusReady, room.Status())
			},
		},
		{
			name: "lobby room cannot start",
			setup: func(t *testing.T) *internal.Room {
				room := internal.NewRoom("AB12CD", "host", testLogger(), nil, nil)
				_, perr := room.AddPlayer("host", "Alice", &captureSender{})
				require.Nil(t, perr)
				return room
			},
			playerID: "host",
			cfg:      &internal.GameConfig{Words: fiveWords()},
			validate: func(t *testing.T, room *internal.Room, perr *internal.ProtoError) {
				require.NotNil(t, perr)
				assert.Equal(t, internal.ErrInvalidPayload, perr.Code)
				assert.Equal(t, internal.StatusLobby, room.Status())
			},
		},
		{
			name: "host starts ready room",
			setup: func(t *testing.T) *internal.Room {
				room, _, _ := setupFullRoom(t)
				return room
			},
			playerID: "host",
			cfg:      &internal.GameConfig{Words: fiveWords(), CurrentLevel: 1},
			validate: func(t *testing.T, room *internal.Room, perr *internal.ProtoError) {
				require.Nil(t, perr)
				assert.Equal(t, internal.StatusInLevel, room.Status())
				assert.Equal(t, 1, room.Level())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room := tt.setup(t)
			perr := room.StartLevel(tt.playerID, tt.cfg)
			tt.validate(t, room, perr)
		})
	}
}

func TestRoom_StartLevel_BroadcastsSynchronizedStart(t *testing.T) {
	room, s1, s2 := setupFullRoom(t)
	startLevel(t, room, 1, fiveWords())

	for _, s := range []*captureSender{s1, s2} {
		started := s.ofType(t, internal.TypeGameStarted)
		require.Len(t, started, 1)
		assert.Greater(t, started[0]["levelStartTime"], float64(0))
		assert.Equal(t, float64(120), started[0]["duration"])
		assert.Equal(t, float64(1), started[0]["currentLevel"])
	}

	// 雙方收到完全相同的起始時刻
	t1 := s1.ofType(t, internal.TypeGameStarted)[0]["levelStartTime"]
	t2 := s2.ofType(t, internal.TypeGameStarted)[0]["levelStartTime"]
	assert.Equal(t, t1, t2)
}

func TestRoom_StartLevel_GeneratesGridWhenMissing(t *testing.T) {
	room, s1, _ := setupFullRoom(t)
	startLevel(t, room, 1, fiveWords())

	started := s1.ofType(t, internal.TypeGameStarted)
	require.Len(t, started, 1)

	// 主機未附帶網格：服務端按關卡預設生成 10x10
	cfg := started[0]["gameConfig"].(map[string]any)
	grid := cfg["grid"].([]any)
	require.Len(t, grid, 10)
	for _, row := range grid {
		assert.Len(t, row.([]any), 10)
	}
	assert.Equal(t, float64(10), cfg["gridSize"])
}

func TestRoom_StartLevel_KeepsProvidedGrid(t *testing.T) {
	room, s1, _ := setupFullRoom(t)

	grid := [][]internal.GridCell{
		{{Letter: "C"}, {Letter: "A"}},
		{{Letter: "T"}, {Letter: "X"}},
	}
	perr := room.StartLevel("host", &internal.GameConfig{
		Words:        []string{"CAT"},
		Grid:         grid,
		GridSize:     2,
		CurrentLevel: 1,
	})
	require.Nil(t, perr)

	started := s1.ofType(t, internal.TypeGameStarted)
	require.Len(t, started, 1)
	cfg := started[0]["gameConfig"].(map[string]any)
	assert.Equal(t, float64(2), cfg["gridSize"])
	assert.Len(t, cfg["grid"].([]any), 2)
}

func TestRoom_TimerAnchorIsCumulative(t *testing.T) {
	room, s1, _ := setupFullRoom(t)
	words := []string{"CAT", "DOG"}
	startLevel(t, room, 1, words)

	anchor1 := s1.ofType(t, internal.TypeGameStarted)[0]["levelStartTime"]

	// 完成第一關
	for i := range words {
		require.Nil(t, room.SubmitWord("host", i, nil))
	}
	require.Equal(t, internal.StatusLevelComplete, room.Status())

	// 第二關不重置計時錨點
	startLevel(t, room, 2, words)
	started := s1.ofType(t, internal.TypeGameStarted)
	require.Len(t, started, 2)
	assert.Equal(t, anchor1, started[1]["levelStartTime"])
}

func TestRoom_SubmitWord_Idempotent(t *testing.T) {
	room, s1, _ := setupFullRoom(t)
	startLevel(t, room, 1, fiveWords())

	// 同一玩家重複提交同一單詞：分數只加一次
	require.Nil(t, room.SubmitWord("host", 2, nil))
	require.Nil(t, room.SubmitWord("host", 2, nil))
	require.Nil(t, room.SubmitWord("host", 2, nil))

	assert.Equal(t, 1, room.Scores()[1])
	assert.Equal(t, 1, room.FoundCount())

	// 重複提交無廣播
	assert.Equal(t, 1, s1.count(t, internal.TypeWordFoundBroadcast))
}

func TestRoom_SubmitWord_IndependentCredit(t *testing.T) {
	room, _, s2 := setupFullRoom(t)
	startLevel(t, room, 1, fiveWords())

	// 玩家一對索引 2 提交兩次 → 分數 1；
	// 玩家二提交同一索引 → 各自得分，房間級已找數仍為 1/5
	require.Nil(t, room.SubmitWord("host", 2, nil))
	require.Nil(t, room.SubmitWord("host", 2, nil))
	require.Nil(t, room.SubmitWord("guest", 2, nil))

	scores := room.Scores()
	assert.Equal(t, 1, scores[1])
	assert.Equal(t, 1, scores[2])
	assert.Equal(t, 1, room.FoundCount())

	found := s2.ofType(t, internal.TypeWordFoundBroadcast)
	require.Len(t, found, 2)
	last := found[len(found)-1]
	assert.Equal(t, float64(1), last["foundCount"])
	assert.Equal(t, float64(5), last["totalWords"])
	assert.Equal(t, false, last["levelComplete"])
}

func TestRoom_SubmitWord_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(t *testing.T) *internal.Room
		playerID  string
		wordIndex int
		wantCode  internal.ErrorCode
	}{
		{
			name: "before level starts",
			setup: func(t *testing.T) *internal.Room {
				room, _, _ := setupFullRoom(t)
				return room
			},
			playerID:  "host",
			wordIndex: 0,
			wantCode:  internal.ErrInvalidPayload,
		},
		{
			name: "word index out of range",
			setup: func(t *testing.T) *internal.Room {
				room, _, _ := setupFullRoom(t)
				startLevel(t, room, 1, fiveWords())
				return room
			},
			playerID:  "host",
			wordIndex: 99,
			wantCode:  internal.ErrInvalidPayload,
		},
		{
			name: "unknown player",
			setup: func(t *testing.T) *internal.Room {
				room, _, _ := setupFullRoom(t)
				startLevel(t, room, 1, fiveWords())
				return room
			},
			playerID:  "stranger",
			wordIndex: 0,
			wantCode:  internal.ErrInvalidPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room := tt.setup(t)
			perr := room.SubmitWord(tt.playerID, tt.wordIndex, nil)
			require.NotNil(t, perr)
			assert.Equal(t, tt.wantCode, perr.Code)
		})
	}
}

func TestRoom_LevelCompletion(t *testing.T) {
	room, s1, s2 := setupFullRoom(t)
	words := []string{"CAT", "DOG", "BIRD"}
	startLevel(t, room, 1, words)

	require.Nil(t, room.SubmitWord("host", 0, nil))
	require.Nil(t, room.SubmitWord("guest", 1, nil))
	assert.Equal(t, internal.StatusInLevel, room.Status())

	require.Nil(t, room.SubmitWord("host", 2, nil))
	assert.Equal(t, internal.StatusLevelComplete, room.Status())
	assert.Equal(t, 2, room.Level())

	for _, s := range []*captureSender{s1, s2} {
		complete := s.ofType(t, internal.TypeLevelComplete)
		require.Len(t, complete, 1)
		assert.Equal(t, float64(2), complete[0]["nextLevel"])
	}
}

func TestRoom_FinalLevelEndsMatch(t *testing.T) {
	var gotResult *internal.MatchResult
	room := internal.NewRoom("AB12CD", "host", testLogger(), nil, func(result internal.MatchResult) {
		gotResult = &result
	})
	s1 := &captureSender{}
	s2 := &captureSender{}
	_, perr := room.AddPlayer("host", "Alice", s1)
	require.Nil(t, perr)
	_, perr = room.AddPlayer("guest", "Bob", s2)
	require.Nil(t, perr)

	words := fiveWords()
	startLevel(t, room, internal.MaxLevel, words)

	// 玩家一找到 3 個，玩家二找到 5 個（含全部）
	require.Nil(t, room.SubmitWord("host", 0, nil))
	require.Nil(t, room.SubmitWord("host", 1, nil))
	require.Nil(t, room.SubmitWord("host", 2, nil))
	for i := range words {
		require.Nil(t, room.SubmitWord("guest", i, nil))
	}

	assert.Equal(t, internal.StatusEnded, room.Status())

	// 雙方收到一致的 GAME_OVER
	for _, s := range []*captureSender{s1, s2} {
		over := s.ofType(t, internal.TypeGameOver)
		require.Len(t, over, 1)
		assert.Equal(t, float64(2), over[0]["winner"])
		scores := over[0]["playerScores"].(map[string]any)
		assert.Equal(t, float64(3), scores["1"])
		assert.Equal(t, float64(5), scores["2"])
	}

	// 歸檔掛鉤收到最終結果
	require.NotNil(t, gotResult)
	assert.Equal(t, "AB12CD", gotResult.RoomCode)
	assert.Equal(t, 2, gotResult.Winner)
	assert.Equal(t, "Alice", gotResult.Player1)
	assert.Equal(t, "Bob", gotResult.Player2)

	// 結束後不再接受提交
	perr = room.SubmitWord("host", 3, nil)
	require.NotNil(t, perr)
	assert.Equal(t, 3, room.Scores()[1])
}

func TestWinner(t *testing.T) {
	tests := []struct {
		score1, score2, want int
	}{
		{3, 1, 1},
		{1, 3, 2},
		{2, 2, 0},
		{0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_vs_%d", tt.score1, tt.score2), func(t *testing.T) {
			got := internal.Winner(tt.score1, tt.score2)
			assert.Equal(t, tt.want, got)

			// 對稱性：交換分數就交換勝者編號
			swapped := internal.Winner(tt.score2, tt.score1)
			switch tt.want {
			case 0:
				assert.Equal(t, 0, swapped)
			case 1:
				assert.Equal(t, 2, swapped)
			case 2:
				assert.Equal(t, 1, swapped)
			}
		})
	}
}

func TestRoom_ResetMatch(t *testing.T) {
	room, s1, _ := setupFullRoom(t)
	startLevel(t, room, 1, fiveWords())
	require.Nil(t, room.SubmitWord("host", 0, nil))

	// 非主機不能重置
	perr := room.ResetMatch("guest", nil)
	require.NotNil(t, perr)
	assert.Equal(t, internal.ErrNotHost, perr.Code)

	require.Nil(t, room.ResetMatch("host", nil))
	assert.Equal(t, internal.StatusReady, room.Status())
	assert.Equal(t, 1, room.Level())
	assert.Equal(t, map[int]int{1: 0, 2: 0}, room.Scores())
	assert.Equal(t, 1, s1.count(t, internal.TypeNewGameStarted))

	// 重置後可以重新開始
	startLevel(t, room, 1, fiveWords())
	assert.Equal(t, internal.StatusInLevel, room.Status())
}

func TestRoom_HostFailover(t *testing.T) {
	room, _, s2 := setupFullRoom(t)
	startLevel(t, room, 1, fiveWords())

	room.HandleDisconnect("host")

	// 剩餘玩家收到斷線與主機轉移通知
	disconnected := s2.ofType(t, internal.TypePlayerDisconnected)
	require.Len(t, disconnected, 1)
	assert.Equal(t, float64(1), disconnected[0]["playerNumber"])

	changed := s2.ofType(t, internal.TypeHostChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, "guest", changed[0]["newHostId"])
	assert.Equal(t, "guest", room.HostID())

	// 新主機現在可以推送關卡
	require.Nil(t, room.ResetMatch("guest", nil))
}

func TestRoom_TeardownOnEmpty(t *testing.T) {
	var emptied string
	room := internal.NewRoom("AB12CD", "host", testLogger(), func(code string) {
		emptied = code
	}, nil)

	_, perr := room.AddPlayer("host", "Alice", &captureSender{})
	require.Nil(t, perr)
	_, perr = room.AddPlayer("guest", "Bob", &captureSender{})
	require.Nil(t, perr)

	room.HandleDisconnect("host")
	assert.Empty(t, emptied)
	assert.Equal(t, 1, room.ConnectedCount())

	room.HandleDisconnect("guest")
	assert.Equal(t, "AB12CD", emptied)
	assert.Equal(t, 0, room.ConnectedCount())

	// 重複斷線是空操作
	room.HandleDisconnect("guest")
	assert.Equal(t, "AB12CD", emptied)
}

func TestRoom_SlowConnectionDoesNotBlockOther(t *testing.T) {
	room := internal.NewRoom("AB12CD", "host", testLogger(), nil, nil)
	dead := &deadSender{}
	s2 := &captureSender{}

	_, perr := room.AddPlayer("host", "Alice", dead)
	require.Nil(t, perr)
	_, perr = room.AddPlayer("guest", "Bob", s2)
	require.Nil(t, perr)

	startLevel(t, room, 1, fiveWords())
	require.Nil(t, room.SubmitWord("guest", 0, nil))

	// 死連接被跳過，另一位玩家照常收到廣播
	assert.Equal(t, 1, s2.count(t, internal.TypeWordFoundBroadcast))
	assert.Equal(t, 1, room.Scores()[2])
}

// deadSender 模擬緩衝永遠滿的死連接
type deadSender struct{}

func (s *deadSender) Enqueue(message []byte) bool { return false }
