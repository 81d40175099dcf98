package internal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   如何把每條網路連接綁定到玩家身份與房間，並把入站幀
//   路由到擁有狀態的房間，而不讓 I/O 阻塞狀態處理？
//
// 核心挑戰：
//   1. 每連接一個讀取協程，但房間狀態修改必須串行
//   2. 慢客戶端不能拖累同房間的另一位玩家
//   3. 斷線要觸發主機轉移或房間銷毀，而非錯誤
//
// 設計方案：
//   ✅ 讀取協程同步調用房間轉換 - 廣播由轉換本身產生
//   ✅ 緩衝 channel + 寫入協程 - 出站投遞非阻塞
//   ✅ Ping/Pong 心跳（54s/60s）- 檢測死連接

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // 避開常見的 60 秒代理超時，留 6 秒余量
	sendBufferSize = 256

	// maxMessageSize 單幀上限。最大的合法入站訊息是帶 15x15 網格的
	// START_GAME，遠小於此值；超限的幀直接斷開連接。
	maxMessageSize = 64 << 10
)

// Hub 連接分發器
//
// 每條 WebSocket 連接對應一個 Connection；訊息在這裡解碼、驗證，
// 再同步應用到連接當前綁定的房間。
type Hub struct {
	registry *Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*Connection]struct{}
}

// NewHub 創建連接分發器
func NewHub(registry *Registry, logger *slog.Logger) *Hub {
	return &Hub{
		registry: registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 生產環境應該檢查來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns: make(map[*Connection]struct{}),
	}
}

// Connection 一條客戶端連接
//
// room 只由讀取協程讀寫（綁定發生在 CREATE_ROOM / JOIN_ROOM 的
// 同步處理中），因此不需要額外的鎖。
type Connection struct {
	playerID string
	room     *Room
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub

	mu        sync.Mutex
	lastPing  time.Time
	closeOnce sync.Once
}

// Enqueue 非阻塞投遞一則出站訊息
//
// 實現 Sender 介面。緩衝滿時返回 false，由調用方決定跳過。
func (c *Connection) Enqueue(message []byte) bool {
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// ServeWS 處理 WebSocket 升級
//
// 玩家身份在連接時生成；客戶端可在 CREATE_ROOM / JOIN_ROOM
// 中攜帶自己的 playerId 覆蓋。
func (hub *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	conn := &Connection{
		playerID: uuid.NewString(),
		conn:     ws,
		send:     make(chan []byte, sendBufferSize),
		hub:      hub,
		lastPing: time.Now(),
	}

	hub.mu.Lock()
	hub.conns[conn] = struct{}{}
	hub.mu.Unlock()

	go conn.writePump()
	go conn.readPump()

	hub.logger.Info("WebSocket 連接建立", "player_id", conn.playerID)
}

// unregister 連接終止：先讓房間處理斷線，再關閉發送通道
//
// 順序很重要：房間在持鎖狀態下先把槽位的 Sender 置空，
// 之後才關閉 channel，杜絕 send on closed channel。
func (hub *Hub) unregister(c *Connection) {
	if c.room != nil {
		c.room.HandleDisconnect(c.playerID)
		hub.registry.DropPlayer(c.playerID)
		c.room = nil
	}

	hub.mu.Lock()
	delete(hub.conns, c)
	hub.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.send)
	})

	hub.logger.Info("WebSocket 連接關閉", "player_id", c.playerID)
}

// Stop 關閉所有連接
//
// 只關閉底層 socket：各連接的讀取協程隨之退出並走 unregister，
// 保證發送通道總是在房間解除綁定之後才關閉。
func (hub *Hub) Stop() {
	hub.mu.Lock()
	conns := make([]*Connection, 0, len(hub.conns))
	for c := range hub.conns {
		conns = append(conns, c)
	}
	hub.mu.Unlock()

	for _, c := range conns {
		c.conn.Close()
	}

	hub.logger.Info("連接分發器已停止")
}

// ConnectionCount 當前連接數
func (hub *Hub) ConnectionCount() int {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return len(hub.conns)
}

// readPump 讀取客戶端幀並同步分發
//
// 60 秒內未收到任何消息（包括 Pong）即關閉連接，
// 配合 writePump 的 54 秒 Ping。
func (c *Connection) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.hub.logger.Error("設置讀取期限失敗", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.hub.logger.Error("設置讀取期限失敗", "error", err)
		}
		c.mu.Lock()
		c.lastPing = time.Now()
		c.mu.Unlock()
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket 讀取錯誤",
					"error", err,
					"player_id", c.playerID)
			}
			break
		}
		if messageType == websocket.TextMessage {
			c.dispatch(message)
		}
	}
}

// writePump 寫入出站訊息並定期發送 Ping
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 批量發送隊列中的剩餘訊息
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch 解碼一則入站訊息並應用到對應房間
//
// 驗證失敗或狀態轉換被拒絕時，只單播 ERROR 給發送者本人，
// 不修改任何狀態，也不影響房間內的另一位玩家。
func (c *Connection) dispatch(data []byte) {
	msg, perr := DecodeMessage(data)
	if perr != nil {
		c.sendError(perr)
		return
	}

	switch msg := msg.(type) {
	case *CreateRoomMessage:
		c.handleCreateRoom(msg)
	case *JoinRoomMessage:
		c.handleJoinRoom(msg)
	case *StartGameMessage:
		if c.room == nil {
			c.sendError(NewProtoError(ErrInvalidPayload, "不在任何房間內"))
			return
		}
		if perr := c.room.StartLevel(c.playerID, msg.GameState); perr != nil {
			c.sendError(perr)
		}
	case *WordFoundMessage:
		if c.room == nil {
			c.sendError(NewProtoError(ErrInvalidPayload, "不在任何房間內"))
			return
		}
		if perr := c.room.SubmitWord(c.playerID, msg.WordIndex, msg.Cells); perr != nil {
			c.sendError(perr)
		}
	case *NewGameMessage:
		if c.room == nil {
			c.sendError(NewProtoError(ErrInvalidPayload, "不在任何房間內"))
			return
		}
		if perr := c.room.ResetMatch(c.playerID, msg.GameState); perr != nil {
			c.sendError(perr)
		}
	case *LeaveRoomMessage:
		if c.room == nil {
			return
		}
		c.room.HandleDisconnect(c.playerID)
		c.hub.registry.DropPlayer(c.playerID)
		c.room = nil
	}
}

func (c *Connection) handleCreateRoom(msg *CreateRoomMessage) {
	if c.room != nil {
		c.sendError(NewProtoError(ErrInvalidPayload, "已在房間 %s 中", c.room.Code()))
		return
	}
	if msg.PlayerID != "" {
		c.playerID = msg.PlayerID
	}

	room, number, perr := c.hub.registry.CreateRoom(c.playerID, msg.PlayerName, c)
	if perr != nil {
		c.sendError(perr)
		return
	}
	c.room = room

	c.sendJSON(RoomCreatedMessage{
		Type:         TypeRoomCreated,
		RoomCode:     room.Code(),
		PlayerID:     c.playerID,
		PlayerName:   room.PlayerName(number),
		PlayerNumber: number,
	})
}

func (c *Connection) handleJoinRoom(msg *JoinRoomMessage) {
	if c.room != nil {
		c.sendError(NewProtoError(ErrInvalidPayload, "已在房間 %s 中", c.room.Code()))
		return
	}
	if msg.PlayerID != "" {
		c.playerID = msg.PlayerID
	}

	room, number, perr := c.hub.registry.JoinRoom(msg.RoomCode, c.playerID, msg.PlayerName, c)
	if perr != nil {
		c.sendError(perr)
		return
	}
	c.room = room

	c.sendJSON(RoomJoinedMessage{
		Type:         TypeRoomJoined,
		RoomCode:     room.Code(),
		PlayerID:     c.playerID,
		PlayerName:   room.PlayerName(number),
		PlayerNumber: number,
	})
}

func (c *Connection) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.hub.logger.Error("序列化訊息失敗", "error", err)
		return
	}
	c.Enqueue(data)
}

func (c *Connection) sendError(perr *ProtoError) {
	c.hub.logger.Debug("拒絕客戶端訊息",
		"player_id", c.playerID,
		"code", perr.Code,
		"message", perr.Message)
	c.Enqueue(EncodeError(perr))
}
