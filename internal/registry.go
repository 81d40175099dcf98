package internal

import (
	"crypto/rand"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Registry 房間註冊表
//
// 進程級的房間代碼目錄。這是唯一被多個房間並發觸及的共享資源，
// 使用獨立於房間內部狀態的讀寫鎖保護；創建、查找、移除對同一代碼互斥。
type Registry struct {
	rooms      map[string]*Room  // roomCode -> Room
	playerRoom map[string]string // playerID -> roomCode（偵測重複加入）
	mu         sync.RWMutex
	logger     *slog.Logger
	onEnded    func(MatchResult)
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewRegistry 創建房間註冊表
//
// onEnded 是比賽結束時傳給每個房間的歸檔掛鉤，可為 nil。
func NewRegistry(logger *slog.Logger, onEnded func(MatchResult)) *Registry {
	m := &Registry{
		rooms:      make(map[string]*Room),
		playerRoom: make(map[string]string),
		logger:     logger,
		onEnded:    onEnded,
		stopCh:     make(chan struct{}),
	}

	m.wg.Add(1)
	go m.cleanupLoop()

	return m
}

// CreateRoom 創建房間並讓主機入座
//
// 代碼空間遠大於並發房間數，碰撞時重試即可，永遠成功。
// 重複加入檢查與登記必須在同一個寫鎖臨界區內完成，
// 否則兩個攜帶相同 playerId 的並發請求會雙雙通過檢查。
func (m *Registry) CreateRoom(hostID, hostName string, conn Sender) (*Room, int, *ProtoError) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.playerRoom[hostID]; ok {
		return nil, 0, NewProtoError(ErrInvalidPayload, "玩家已在房間 %s 中", existing)
	}

	var code string
	for {
		code = generateRoomCode()
		if _, taken := m.rooms[code]; !taken {
			break
		}
	}
	room := NewRoom(code, hostID, m.logger, m.dropRoom, m.onEnded)

	// 鎖順序恆為註冊表→房間
	number, perr := room.AddPlayer(hostID, hostName, conn)
	if perr != nil {
		// 剛創建的空房間不可能拒絕主機
		return nil, 0, perr
	}

	m.rooms[code] = room
	m.playerRoom[hostID] = code

	m.logger.Info("房間已創建",
		"room_code", code,
		"host_id", hostID)

	return room, number, nil
}

// JoinRoom 通過代碼加入房間
//
// 代碼不分大小寫，收到時統一轉為大寫再比對。
// 與 CreateRoom 相同，檢查與登記在同一個寫鎖臨界區內完成。
func (m *Registry) JoinRoom(code, playerID, playerName string, conn Sender) (*Room, int, *ProtoError) {
	code = strings.ToUpper(code)

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.playerRoom[playerID]; ok {
		return nil, 0, NewProtoError(ErrInvalidPayload, "玩家已在房間 %s 中", existing)
	}
	room, exists := m.rooms[code]
	if !exists {
		return nil, 0, NewProtoError(ErrRoomNotFound, "房間不存在: %s", code)
	}

	// 鎖順序恆為註冊表→房間
	number, perr := room.AddPlayer(playerID, playerName, conn)
	if perr != nil {
		return nil, 0, perr
	}
	m.playerRoom[playerID] = code

	m.logger.Info("玩家加入房間",
		"room_code", code,
		"player_id", playerID,
		"player_number", number)

	return room, number, nil
}

// GetRoom 查找房間
func (m *Registry) GetRoom(code string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, exists := m.rooms[strings.ToUpper(code)]
	return room, exists
}

// DropPlayer 清除玩家的房間記錄（斷線或離開後）
func (m *Registry) DropPlayer(playerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.playerRoom, playerID)
}

// dropRoom 移除註冊表項，釋放房間代碼供重用
//
// 由房間在最後一位玩家離開時回調，也由清理循環使用。
func (m *Registry) dropRoom(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, exists := m.rooms[code]
	if !exists {
		return
	}

	// 鎖順序恆為註冊表→房間：房間回調 onEmpty 前已釋放自身的鎖
	for _, playerID := range room.PlayerIDs() {
		delete(m.playerRoom, playerID)
	}
	delete(m.rooms, code)

	m.logger.Info("房間已移除", "room_code", code)
}

// RoomCount 當前活躍房間數
func (m *Registry) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Stats 統計資訊
func (m *Registry) Stats() map[string]any {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.RUnlock()

	statusCount := make(map[RoomStatus]int)
	totalPlayers := 0
	for _, room := range rooms {
		statusCount[room.Status()]++
		totalPlayers += room.ConnectedCount()
	}

	return map[string]any{
		"total_rooms":   len(rooms),
		"total_players": totalPlayers,
		"by_status":     statusCount,
	}
}

// cleanupLoop 定期清理過期房間
func (m *Registry) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Cleanup()
		case <-m.stopCh:
			return
		}
	}
}

// Cleanup 執行一輪過期清理（公開供測試使用）
func (m *Registry) Cleanup() {
	m.mu.RLock()
	var expired []*Room
	for _, room := range m.rooms {
		expired = append(expired, room)
	}
	m.mu.RUnlock()

	for _, room := range expired {
		if !room.IsExpired() {
			continue
		}
		room.Close()
		m.dropRoom(room.Code())
		m.logger.Info("房間已過期清理", "room_code", room.Code())
	}
}

// Stop 停止註冊表並關閉所有房間
func (m *Registry) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.rooms = make(map[string]*Room)
	m.playerRoom = make(map[string]string)
	m.mu.Unlock()

	for _, room := range rooms {
		room.Close()
	}

	m.logger.Info("房間註冊表已停止")
}

const roomCodeChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// generateRoomCode 生成 6 位大寫字母數字房間代碼
func generateRoomCode() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		// 隨機源失敗時以時間戳退化
		now := time.Now().UnixNano()
		for i := range b {
			b[i] = roomCodeChars[int(now>>uint(i*6))%len(roomCodeChars)]
		}
		return string(b)
	}
	for i := range b {
		b[i] = roomCodeChars[int(b[i])%len(roomCodeChars)]
	}
	return string(b)
}
