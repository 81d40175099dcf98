package internal

import (
	"encoding/json"
	"fmt"
)

// 系統設計問題：
//   如何在不可靠的客戶端訊息流上建立可信的協議邊界？
//
// 核心挑戰：
//   1. 鬆散的 JSON 負載：客戶端可能送出缺欄位、型別錯誤的訊息
//   2. 重放與亂序：網路延遲造成重複或亂序送達
//   3. 錯誤隔離：一條壞訊息不能影響同房間的另一位玩家
//
// 設計方案：
//   ✅ 封閉的訊息型別集合 - 每種訊息一個結構，拒絕未知形狀
//   ✅ 單點驗證 - 在分發邊界驗證一次，房間內部信任已驗證訊息
//   ✅ 型別化錯誤碼 - 只回傳給出錯的連接，不廣播

// 入站訊息類型
const (
	TypeCreateRoom = "CREATE_ROOM"
	TypeJoinRoom   = "JOIN_ROOM"
	TypeStartGame  = "START_GAME"
	TypeWordFound  = "WORD_FOUND"
	TypeNewGame    = "NEW_GAME"
	TypeLeaveRoom  = "LEAVE_ROOM"
)

// 出站訊息類型
const (
	TypeRoomCreated        = "ROOM_CREATED"
	TypeRoomJoined         = "ROOM_JOINED"
	TypePlayerJoined       = "PLAYER_JOINED"
	TypeGameStarted        = "GAME_STARTED"
	TypeWordFoundBroadcast = "WORD_FOUND"
	TypeLevelComplete      = "LEVEL_COMPLETE"
	TypeNewGameStarted     = "NEW_GAME_STARTED"
	TypeTimeUp             = "TIME_UP"
	TypeGameOver           = "GAME_OVER"
	TypeHostChanged        = "HOST_CHANGED"
	TypePlayerDisconnected = "PLAYER_DISCONNECTED"
	TypeError              = "ERROR"
)

// ErrorCode 協議錯誤碼
//
// 所有錯誤都是客戶端可恢復的：只單播給出錯的連接，
// 不改變房間狀態，也不傳播給其他玩家。
type ErrorCode string

const (
	ErrRoomNotFound       ErrorCode = "ROOM_NOT_FOUND"
	ErrRoomFull           ErrorCode = "ROOM_FULL"
	ErrNotHost            ErrorCode = "NOT_HOST"
	ErrInvalidPayload     ErrorCode = "INVALID_PAYLOAD"
	ErrUnknownMessageType ErrorCode = "UNKNOWN_MESSAGE_TYPE"
)

// ProtoError 帶錯誤碼的協議錯誤
type ProtoError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *ProtoError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewProtoError 創建協議錯誤
func NewProtoError(code ErrorCode, format string, args ...any) *ProtoError {
	return &ProtoError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Cell 格子座標
type Cell struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// GridCell 拼圖格子
//
// 服務器只轉發主機生成的網格，不重新驗證字母路徑，
// 因此只鎖定形狀而不解讀內容。
type GridCell struct {
	Letter       string `json:"letter"`
	IsWordLetter bool   `json:"isWordLetter"`
	WordIndex    int    `json:"wordIndex"`
	Found        bool   `json:"found"`
}

// GameConfig 主機推送的關卡配置
//
// grid 為可選：若存在則原樣轉發給兩位玩家，
// 缺席時由服務端按關卡預設生成後再廣播。
type GameConfig struct {
	Words        []string     `json:"words"`
	Grid         [][]GridCell `json:"grid,omitempty"`
	GridSize     int          `json:"gridSize,omitempty"`
	Mode         string       `json:"mode,omitempty"`
	Difficulty   string       `json:"difficulty,omitempty"`
	CustomWords  []string     `json:"customWords,omitempty"`
	CurrentLevel int          `json:"currentLevel,omitempty"`
	PlayerScores map[int]int  `json:"playerScores,omitempty"`
}

const (
	// MaxWordsPerLevel 單關單詞數上限
	MaxWordsPerLevel = 64
	// MaxWordLength 單詞長度上限
	MaxWordLength = 32
)

// Validate 驗證關卡配置
func (c *GameConfig) Validate() *ProtoError {
	if c == nil {
		return NewProtoError(ErrInvalidPayload, "缺少 gameState")
	}
	if len(c.Words) == 0 {
		return NewProtoError(ErrInvalidPayload, "單詞列表不能為空")
	}
	if len(c.Words) > MaxWordsPerLevel {
		return NewProtoError(ErrInvalidPayload, "單詞列表超出上限 %d: %d", MaxWordsPerLevel, len(c.Words))
	}
	for i, w := range c.Words {
		if w == "" {
			return NewProtoError(ErrInvalidPayload, "第 %d 個單詞為空", i)
		}
		if len(w) > MaxWordLength {
			return NewProtoError(ErrInvalidPayload, "第 %d 個單詞超出長度上限 %d", i, MaxWordLength)
		}
	}
	if c.CurrentLevel < 0 || c.CurrentLevel > MaxLevel {
		return NewProtoError(ErrInvalidPayload, "關卡超出範圍: %d", c.CurrentLevel)
	}
	if c.Grid != nil {
		size := c.GridSize
		if size == 0 {
			size = len(c.Grid)
		}
		if len(c.Grid) != size {
			return NewProtoError(ErrInvalidPayload, "網格必須是 %d 行，收到 %d 行", size, len(c.Grid))
		}
		for i, row := range c.Grid {
			if len(row) != size {
				return NewProtoError(ErrInvalidPayload, "網格第 %d 行長度錯誤", i)
			}
		}
	}
	return nil
}

// 入站訊息結構

type CreateRoomMessage struct {
	PlayerID   string `json:"playerId,omitempty"`
	PlayerName string `json:"playerName,omitempty"`
}

type JoinRoomMessage struct {
	RoomCode   string `json:"roomCode"`
	PlayerID   string `json:"playerId,omitempty"`
	PlayerName string `json:"playerName,omitempty"`
}

type StartGameMessage struct {
	GameState *GameConfig `json:"gameState"`
}

type WordFoundMessage struct {
	WordIndex int    `json:"wordIndex"`
	Cells     []Cell `json:"cells,omitempty"`
}

type NewGameMessage struct {
	GameState *GameConfig `json:"gameState,omitempty"`
}

type LeaveRoomMessage struct{}

// DecodeMessage 解碼並驗證一則入站訊息
//
// 兩段式解碼：先探測 type 欄位，再反序列化為對應的封閉結構。
// 任何不符合已知形狀的訊息在這裡被拒絕，不會進入房間。
func DecodeMessage(data []byte) (any, *ProtoError) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, NewProtoError(ErrInvalidPayload, "無效的 JSON: %v", err)
	}

	switch probe.Type {
	case TypeCreateRoom:
		var msg CreateRoomMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, NewProtoError(ErrInvalidPayload, "CREATE_ROOM 格式錯誤: %v", err)
		}
		return &msg, nil

	case TypeJoinRoom:
		var msg JoinRoomMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, NewProtoError(ErrInvalidPayload, "JOIN_ROOM 格式錯誤: %v", err)
		}
		if msg.RoomCode == "" {
			return nil, NewProtoError(ErrInvalidPayload, "缺少 roomCode")
		}
		return &msg, nil

	case TypeStartGame:
		var msg StartGameMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, NewProtoError(ErrInvalidPayload, "START_GAME 格式錯誤: %v", err)
		}
		if perr := msg.GameState.Validate(); perr != nil {
			return nil, perr
		}
		return &msg, nil

	case TypeWordFound:
		var msg WordFoundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, NewProtoError(ErrInvalidPayload, "WORD_FOUND 格式錯誤: %v", err)
		}
		if msg.WordIndex < 0 {
			return nil, NewProtoError(ErrInvalidPayload, "wordIndex 不能為負: %d", msg.WordIndex)
		}
		return &msg, nil

	case TypeNewGame:
		var msg NewGameMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, NewProtoError(ErrInvalidPayload, "NEW_GAME 格式錯誤: %v", err)
		}
		if msg.GameState != nil {
			if perr := msg.GameState.Validate(); perr != nil {
				return nil, perr
			}
		}
		return &msg, nil

	case TypeLeaveRoom:
		return &LeaveRoomMessage{}, nil

	case "":
		return nil, NewProtoError(ErrInvalidPayload, "缺少 type 欄位")

	default:
		return nil, NewProtoError(ErrUnknownMessageType, "未知的訊息類型: %s", probe.Type)
	}
}

// 出站訊息結構

type RoomCreatedMessage struct {
	Type         string `json:"type"`
	RoomCode     string `json:"roomCode"`
	PlayerID     string `json:"playerId"`
	PlayerName   string `json:"playerName"`
	PlayerNumber int    `json:"playerNumber"`
}

type RoomJoinedMessage struct {
	Type         string `json:"type"`
	RoomCode     string `json:"roomCode"`
	PlayerID     string `json:"playerId"`
	PlayerName   string `json:"playerName"`
	PlayerNumber int    `json:"playerNumber"`
}

type PlayerJoinedMessage struct {
	Type         string `json:"type"`
	PlayerID     string `json:"playerId"`
	PlayerName   string `json:"playerName"`
	PlayerNumber int    `json:"playerNumber"`
}

type GameStartedMessage struct {
	Type           string      `json:"type"`
	GameConfig     *GameConfig `json:"gameConfig"`
	LevelStartTime int64       `json:"levelStartTime"` // Unix 毫秒，所有客戶端以此計算剩餘時間
	Duration       int         `json:"duration"`       // 秒
	CurrentLevel   int         `json:"currentLevel"`
}

type WordFoundBroadcast struct {
	Type          string      `json:"type"`
	PlayerNumber  int         `json:"playerNumber"`
	WordIndex     int         `json:"wordIndex"`
	Cells         []Cell      `json:"cells,omitempty"`
	PlayerScores  map[int]int `json:"playerScores"`
	FoundCount    int         `json:"foundCount"`
	TotalWords    int         `json:"totalWords"`
	LevelComplete bool        `json:"levelComplete"`
}

type LevelCompleteMessage struct {
	Type         string      `json:"type"`
	NextLevel    int         `json:"nextLevel"`
	PlayerScores map[int]int `json:"playerScores"`
}

type NewGameStartedMessage struct {
	Type      string      `json:"type"`
	GameState *GameConfig `json:"gameState,omitempty"`
}

type TimeUpMessage struct {
	Type string `json:"type"`
}

type GameOverMessage struct {
	Type         string      `json:"type"`
	PlayerScores map[int]int `json:"playerScores"`
	Winner       int         `json:"winner"` // 0 = 平手，1/2 = 該玩家獲勝
}

type HostChangedMessage struct {
	Type      string `json:"type"`
	NewHostID string `json:"newHostId"`
}

type PlayerDisconnectedMessage struct {
	Type         string `json:"type"`
	PlayerNumber int    `json:"playerNumber"`
}

type ErrorMessage struct {
	Type    string    `json:"type"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// EncodeError 把協議錯誤編碼為單播的 ERROR 訊息
func EncodeError(perr *ProtoError) []byte {
	data, _ := json.Marshal(ErrorMessage{
		Type:    TypeError,
		Code:    perr.Code,
		Message: perr.Message,
	})
	return data
}
