package internal

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// 系統設計問題：
//   如何讓兩個獨立、可能延遲的客戶端對共享可變狀態
//   （分數、已找到的單詞、當前關卡、計時）保持單一一致視圖？
//
// 核心挑戰：
//   1. 並發仲裁：兩位玩家同時提交找到的單詞，必須以到達順序串行應用
//   2. 冪等計分：客戶端重傳會造成重複提交，分數不能重複累加
//   3. 計時同步：單一絕對起始時刻廣播給雙方，倒數跨關卡累計
//   4. 主機容錯：主機斷線時權限轉移給另一位玩家
//
// 設計方案：
//   ✅ 有限狀態機 - lobby → ready → in_level → level_complete → ended
//   ✅ 單一互斥鎖 - 每次狀態轉換全程持鎖，杜絕交錯更新
//   ✅ 個人已找集合 - 重複提交靜默忽略（無分數變化、無廣播）
//   ✅ 一次性計時器 - 整場比賽只設置一次，到期強制結束

// RoomStatus 房間狀態
//
// 狀態轉換規則：
//   - lobby → ready：第二位玩家加入
//   - ready / level_complete → in_level：主機推送關卡
//   - in_level → level_complete：房間級已找集合覆蓋全部單詞
//   - level_complete / in_level → ended：最終關卡完成或倒數到期
//   - ended → ready：主機發起新比賽重置
type RoomStatus string

const (
	StatusLobby         RoomStatus = "lobby"
	StatusReady         RoomStatus = "ready"
	StatusInLevel       RoomStatus = "in_level"
	StatusLevelComplete RoomStatus = "level_complete"
	StatusEnded         RoomStatus = "ended"
)

const (
	// MaxPlayers 每個房間最多兩位玩家
	MaxPlayers = 2
	// MaxLevel 一場比賽最多三個關卡
	MaxLevel = 3
	// MatchDuration 整場比賽的總倒數時長，跨關卡累計，不可續期
	MatchDuration = 120 * time.Second
)

// Sender 出站訊息接收端
//
// 由連接層實現。Enqueue 必須是非阻塞的：
// 緩衝滿（慢客戶端）時返回 false，房間只跳過該連接，
// 絕不因為一個死連接而拖延另一位玩家。
type Sender interface {
	Enqueue(message []byte) bool
}

// PlayerSlot 玩家槽位
//
// 玩家編號在加入時分配（1 或 2），槽位存活期內固定，
// 即使玩家斷線不再回來也不會被重用。
type PlayerSlot struct {
	ID        string
	Name      string
	Number    int
	conn      Sender
	connected bool
}

// MatchState 當前關卡的權威共享數據
//
// 不變量：
//   - 一個單詞索引在玩家的個人已找集合中最多出現一次
//   - 玩家分數等於其個人已找集合的累計基數（逐詞計分，非先到先得）
//   - 只由擁有它的 Room 在持鎖狀態下修改，絕不並發
type MatchState struct {
	Words        []string
	Grid         [][]GridCell
	GridSize     int
	Mode         string
	Difficulty   string
	CustomWords  []string
	FoundWords   map[int]struct{}         // 房間級已找集合，驅動關卡完成
	PlayerFound  map[int]map[int]struct{} // 玩家編號 -> 個人已找集合
	PlayerScores map[int]int              // 跨關卡累計
}

// MatchResult 比賽結束時歸檔的最終結果
type MatchResult struct {
	RoomCode  string      `json:"roomCode"`
	Timestamp time.Time   `json:"timestamp"`
	Player1   string      `json:"player1"`
	Player2   string      `json:"player2"`
	Scores    map[int]int `json:"scores"`
	Winner    int         `json:"winner"`
}

// Room 遊戲房間
//
// 擁有一場雙人比賽的全部可變狀態。所有修改都在單一互斥鎖內完成，
// 兩位玩家的同時提交以到達順序原子應用，絕不交錯。
// 房間處理器內不做任何網路 I/O：廣播是對每個連接的非阻塞投遞。
type Room struct {
	code   string
	logger *slog.Logger

	mu         sync.Mutex
	status     RoomStatus
	hostID     string
	slots      []*PlayerSlot
	nextNumber int
	match      *MatchState
	level      int
	scores     map[int]int

	// 計時錨點：整場比賽只在第一關開始時設置一次。
	// timerGen 在每次設置與取消時遞增，已觸發但尚未取得鎖的
	// 到期回調憑代數辨識自己已被取消，Stop 攔不住的遲到觸發在此丟棄。
	startedAt  time.Time
	timer      *time.Timer
	timerArmed bool
	timerGen   int

	closed     bool
	createdAt  time.Time
	lastActive time.Time

	onEmpty func(code string)        // 最後一位玩家離開時通知註冊表
	onEnded func(result MatchResult) // 比賽結束時的歸檔掛鉤（即發即棄）
}

// NewRoom 創建房間
func NewRoom(code, hostID string, logger *slog.Logger, onEmpty func(string), onEnded func(MatchResult)) *Room {
	now := time.Now()
	return &Room{
		code:       code,
		logger:     logger,
		status:     StatusLobby,
		hostID:     hostID,
		nextNumber: 1,
		level:      1,
		scores:     map[int]int{1: 0, 2: 0},
		createdAt:  now,
		lastActive: now,
		onEmpty:    onEmpty,
		onEnded:    onEnded,
	}
}

// AddPlayer 加入玩家並分配編號
func (r *Room) AddPlayer(playerID, name string, conn Sender) (int, *ProtoError) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, NewProtoError(ErrRoomNotFound, "房間已關閉: %s", r.code)
	}
	if len(r.slots) >= MaxPlayers {
		return 0, NewProtoError(ErrRoomFull, "房間已滿: %s", r.code)
	}

	number := r.nextNumber
	r.nextNumber++
	if name == "" {
		name = defaultPlayerName(number)
	}

	slot := &PlayerSlot{
		ID:        playerID,
		Name:      name,
		Number:    number,
		conn:      conn,
		connected: true,
	}
	r.slots = append(r.slots, slot)
	r.lastActive = time.Now()

	if len(r.slots) == MaxPlayers && r.status == StatusLobby {
		r.status = StatusReady
	}

	// 通知已在房間內的玩家（不含加入者本人）
	r.broadcastExceptLocked(number, PlayerJoinedMessage{
		Type:         TypePlayerJoined,
		PlayerID:     playerID,
		PlayerName:   name,
		PlayerNumber: number,
	})

	return number, nil
}

// StartLevel 主機推送關卡（START_GAME）
//
// 只在 ready 或 level_complete 狀態接受。首次接受時記錄計時錨點
// 並設置一次性倒數；後續關卡不重置錨點，總倒數跨關卡累計。
func (r *Room) StartLevel(playerID string, cfg *GameConfig) *ProtoError {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hostID != playerID {
		return NewProtoError(ErrNotHost, "只有主機可以開始遊戲")
	}
	if r.status != StatusReady && r.status != StatusLevelComplete {
		return NewProtoError(ErrInvalidPayload, "當前狀態不能開始關卡: %s", r.status)
	}

	level := cfg.CurrentLevel
	if level == 0 {
		level = r.level
	}

	// 主機未附帶網格時由服務端生成
	if cfg.Grid == nil {
		size, difficulty := LevelDefaults(level)
		if cfg.GridSize > 0 {
			size = cfg.GridSize
		}
		if cfg.Difficulty != "" {
			difficulty = Difficulty(cfg.Difficulty)
		}
		generated := GeneratePuzzle(cfg.Words, size, difficulty,
			rand.New(rand.NewSource(time.Now().UnixNano()))).Config(level, difficulty)
		if cfg.Mode != "" {
			generated.Mode = cfg.Mode
		}
		generated.CustomWords = cfg.CustomWords
		generated.PlayerScores = cfg.PlayerScores
		cfg = generated
	}

	if cfg.PlayerScores != nil {
		r.scores = copyScores(cfg.PlayerScores)
	}
	r.level = level

	r.match = &MatchState{
		Words:        cfg.Words,
		Grid:         cfg.Grid,
		GridSize:     cfg.GridSize,
		Mode:         cfg.Mode,
		Difficulty:   cfg.Difficulty,
		CustomWords:  cfg.CustomWords,
		FoundWords:   make(map[int]struct{}),
		PlayerFound:  map[int]map[int]struct{}{1: {}, 2: {}},
		PlayerScores: r.scores,
	}

	// 計時器整場只設置一次
	if !r.timerArmed {
		r.startedAt = time.Now()
		r.timerGen++
		gen := r.timerGen
		r.timer = time.AfterFunc(MatchDuration, func() { r.onTimeout(gen) })
		r.timerArmed = true
	}

	r.status = StatusInLevel
	r.lastActive = time.Now()

	broadcastCfg := *cfg
	broadcastCfg.CurrentLevel = level
	broadcastCfg.PlayerScores = copyScores(r.scores)

	r.broadcastLocked(GameStartedMessage{
		Type:           TypeGameStarted,
		GameConfig:     &broadcastCfg,
		LevelStartTime: r.startedAt.UnixMilli(),
		Duration:       int(MatchDuration / time.Second),
		CurrentLevel:   level,
	})

	r.logger.Info("關卡開始",
		"room_code", r.code,
		"level", level,
		"words", len(cfg.Words))

	return nil
}

// SubmitWord 玩家提交找到的單詞（WORD_FOUND）
//
// 冪等保證：同一玩家對同一單詞索引的重複提交是靜默空操作，
// 無分數變化、無廣播。這是應對客戶端重傳與延遲的必要設計。
// 兩位玩家可各自獨立找到同一單詞並各自得分。
func (r *Room) SubmitWord(playerID string, wordIndex int, cells []Cell) *ProtoError {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusInLevel {
		return NewProtoError(ErrInvalidPayload, "當前狀態不接受提交: %s", r.status)
	}

	slot := r.slotByIDLocked(playerID)
	if slot == nil {
		return NewProtoError(ErrInvalidPayload, "玩家不在房間內")
	}
	if wordIndex < 0 || wordIndex >= len(r.match.Words) {
		return NewProtoError(ErrInvalidPayload, "wordIndex 超出範圍: %d", wordIndex)
	}

	personal := r.match.PlayerFound[slot.Number]
	if _, dup := personal[wordIndex]; dup {
		return nil // 重複提交：靜默忽略
	}

	personal[wordIndex] = struct{}{}
	r.scores[slot.Number]++
	r.match.FoundWords[wordIndex] = struct{}{}
	r.lastActive = time.Now()

	foundCount := len(r.match.FoundWords)
	complete := foundCount == len(r.match.Words)

	r.broadcastLocked(WordFoundBroadcast{
		Type:          TypeWordFoundBroadcast,
		PlayerNumber:  slot.Number,
		WordIndex:     wordIndex,
		Cells:         cells,
		PlayerScores:  copyScores(r.scores),
		FoundCount:    foundCount,
		TotalWords:    len(r.match.Words),
		LevelComplete: complete,
	})

	if !complete {
		return nil
	}

	if r.level >= MaxLevel {
		r.endMatchLocked()
		return nil
	}

	r.status = StatusLevelComplete
	r.level++
	r.broadcastLocked(LevelCompleteMessage{
		Type:         TypeLevelComplete,
		NextLevel:    r.level,
		PlayerScores: copyScores(r.scores),
	})

	r.logger.Info("關卡完成",
		"room_code", r.code,
		"next_level", r.level)

	return nil
}

// ResetMatch 主機發起新比賽（NEW_GAME）
//
// 取消待觸發的倒數並清除計時錨點，下一次 StartLevel 重新設置。
func (r *Room) ResetMatch(playerID string, cfg *GameConfig) *ProtoError {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hostID != playerID {
		return NewProtoError(ErrNotHost, "只有主機可以重置比賽")
	}
	if r.closed {
		return NewProtoError(ErrRoomNotFound, "房間已關閉: %s", r.code)
	}
	if r.status == StatusLobby {
		return NewProtoError(ErrInvalidPayload, "等待第二位玩家加入")
	}

	r.stopTimerLocked()
	r.startedAt = time.Time{}
	r.match = nil
	r.level = 1
	r.scores = map[int]int{1: 0, 2: 0}
	if cfg != nil {
		if cfg.CurrentLevel != 0 {
			r.level = cfg.CurrentLevel
		}
		if cfg.PlayerScores != nil {
			r.scores = copyScores(cfg.PlayerScores)
		}
	}

	if len(r.slots) == MaxPlayers {
		r.status = StatusReady
	} else {
		r.status = StatusLobby
	}
	r.lastActive = time.Now()

	r.broadcastLocked(NewGameStartedMessage{
		Type:      TypeNewGameStarted,
		GameState: cfg,
	})

	return nil
}

// HandleDisconnect 處理玩家斷線或主動離開
//
// 斷線不是錯誤而是正常轉換：主機斷線時權限轉移給仍在線的槽位，
// 全員離開時取消倒數並通知註冊表銷毀房間。
func (r *Room) HandleDisconnect(playerID string) {
	r.mu.Lock()

	slot := r.slotByIDLocked(playerID)
	if slot == nil || !slot.connected {
		r.mu.Unlock()
		return
	}

	slot.connected = false
	slot.conn = nil
	r.lastActive = time.Now()

	r.broadcastLocked(PlayerDisconnectedMessage{
		Type:         TypePlayerDisconnected,
		PlayerNumber: slot.Number,
	})

	if r.hostID == playerID {
		for _, s := range r.slots {
			if s.connected {
				r.hostID = s.ID
				r.broadcastLocked(HostChangedMessage{
					Type:      TypeHostChanged,
					NewHostID: s.ID,
				})
				r.logger.Info("主機轉移",
					"room_code", r.code,
					"new_host", s.ID)
				break
			}
		}
	}

	empty := true
	for _, s := range r.slots {
		if s.connected {
			empty = false
			break
		}
	}

	if !empty {
		r.mu.Unlock()
		return
	}

	r.stopTimerLocked()
	r.closed = true
	r.status = StatusEnded
	code := r.code
	onEmpty := r.onEmpty
	r.mu.Unlock()

	r.logger.Info("房間已清空", "room_code", code)
	if onEmpty != nil {
		onEmpty(code)
	}
}

// onTimeout 倒數到期：硬性截止，無論進度立即結束比賽
//
// gen 是設置該計時器時的代數。回調觸發與取消之間存在競態：
// 已觸發的回調可能在重置後的新一場比賽開始後才取得鎖，
// 代數不符即代表它所屬的計時器早已取消，直接丟棄。
func (r *Room) onTimeout(gen int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if gen != r.timerGen {
		return
	}
	if r.status != StatusInLevel && r.status != StatusLevelComplete {
		return
	}

	r.logger.Info("倒數到期", "room_code", r.code, "level", r.level)
	r.broadcastLocked(TimeUpMessage{Type: TypeTimeUp})
	r.endMatchLocked()
}

// endMatchLocked 結束比賽：計算勝者、廣播最終分數並觸發歸檔
//
// 歸檔是即發即棄的外部調用，其失敗不能阻塞或改變 GAME_OVER 廣播。
func (r *Room) endMatchLocked() {
	winner := Winner(r.scores[1], r.scores[2])

	r.broadcastLocked(GameOverMessage{
		Type:         TypeGameOver,
		PlayerScores: copyScores(r.scores),
		Winner:       winner,
	})

	r.status = StatusEnded
	r.stopTimerLocked()

	r.logger.Info("比賽結束",
		"room_code", r.code,
		"winner", winner,
		"score_1", r.scores[1],
		"score_2", r.scores[2])

	if r.onEnded != nil {
		r.onEnded(MatchResult{
			RoomCode:  r.code,
			Timestamp: time.Now(),
			Player1:   r.playerNameLocked(1),
			Player2:   r.playerNameLocked(2),
			Scores:    copyScores(r.scores),
			Winner:    winner,
		})
	}
}

// Winner 比較最終累計分數：0 = 平手，1/2 = 該玩家編號獲勝
func Winner(score1, score2 int) int {
	switch {
	case score1 > score2:
		return 1
	case score2 > score1:
		return 2
	default:
		return 0
	}
}

// Close 關閉房間（註冊表清理或服務器關閉時調用）
func (r *Room) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	r.status = StatusEnded
	r.stopTimerLocked()
}

// IsExpired 檢查房間是否過期（供註冊表清理循環使用）
func (r *Room) IsExpired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return true
	}

	now := time.Now()
	if now.Sub(r.createdAt) > 30*time.Minute {
		return true
	}

	connected := 0
	for _, s := range r.slots {
		if s.connected {
			connected++
		}
	}
	if connected == 0 && now.Sub(r.lastActive) > 5*time.Minute {
		return true
	}

	return false
}

// broadcastLocked 房間級發布：序列化一次，投遞給所有在線連接
//
// 死連接或緩衝滿的連接被跳過，絕不影響其他玩家的投遞。
func (r *Room) broadcastLocked(v any) {
	r.broadcastExceptLocked(0, v)
}

func (r *Room) broadcastExceptLocked(exceptNumber int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("序列化廣播訊息失敗", "room_code", r.code, "error", err)
		return
	}
	for _, s := range r.slots {
		if s.Number == exceptNumber || !s.connected || s.conn == nil {
			continue
		}
		if !s.conn.Enqueue(data) {
			r.logger.Warn("連接緩衝區滿，跳過投遞",
				"room_code", r.code,
				"player_number", s.Number)
		}
	}
}

func (r *Room) slotByIDLocked(playerID string) *PlayerSlot {
	for _, s := range r.slots {
		if s.ID == playerID {
			return s
		}
	}
	return nil
}

func (r *Room) playerNameLocked(number int) string {
	for _, s := range r.slots {
		if s.Number == number {
			return s.Name
		}
	}
	return defaultPlayerName(number)
}

func defaultPlayerName(number int) string {
	return "Player " + string(rune('0'+number))
}

func copyScores(scores map[int]int) map[int]int {
	out := make(map[int]int, len(scores))
	for k, v := range scores {
		out[k] = v
	}
	return out
}

func (r *Room) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	// Stop 不保證攔截已觸發的回調，遞增代數讓遲到的觸發失效
	r.timerGen++
	r.timerArmed = false
}

// 以下為查詢方法，主要供統計與測試使用

// Code 房間代碼
func (r *Room) Code() string {
	return r.code
}

// Status 當前狀態
func (r *Room) Status() RoomStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// HostID 當前主機
func (r *Room) HostID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hostID
}

// Level 當前關卡
func (r *Room) Level() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.level
}

// Scores 當前累計分數
func (r *Room) Scores() map[int]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyScores(r.scores)
}

// FoundCount 當前關卡房間級已找單詞數
func (r *Room) FoundCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.match == nil {
		return 0
	}
	return len(r.match.FoundWords)
}

// PlayerName 槽位顯示名稱（未知編號回退為預設名稱）
func (r *Room) PlayerName(number int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playerNameLocked(number)
}

// ConnectedCount 在線玩家數
func (r *Room) ConnectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.slots {
		if s.connected {
			n++
		}
	}
	return n
}

// PlayerIDs 全部槽位的玩家 ID（按加入順序）
func (r *Room) PlayerIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.slots))
	for _, s := range r.slots {
		ids = append(ids, s.ID)
	}
	return ids
}
