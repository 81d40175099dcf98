// Package wordgrid 提供了一個權威的雙人找詞遊戲服務器。
//
// 實現了一個讓兩位遠端玩家進行計時、分關卡找詞比賽的會話引擎，
// 包含以下核心功能：
//
// 房間生命週期
//
// 以 6 位大寫字母數字代碼標識的隔離比賽會話：
//   - 房間創建與銷毀
//   - 玩家加入與編號分配
//   - 主機斷線時的權限轉移
//   - 空閒房間自動清理
//
// # 同步比賽引擎
//
// 兩位玩家同時（非回合制）獨立找詞：
//   - 找詞提交的串行仲裁與冪等計分
//   - 房間級已找集合驅動的關卡推進（共享進度）
//   - 單一絕對起始時刻 + 跨關卡累計的一次性倒數
//   - 服務器端權威分數與勝負判定
//
// # WebSocket 協議
//
// 每客戶端一條持久雙向連接，承載字段標記的 JSON 訊息：
//   - 封閉的訊息型別集合，分發邊界單點驗證
//   - 心跳檢測（Ping/Pong）
//   - 型別化錯誤只單播給出錯連接，錯誤隔離到單條連接
//
// 併發設計
//
// 每連接一個讀取協程，但單一房間的全部狀態修改
// 經由該房間的互斥鎖串行化；廣播是對每個連接緩衝通道的
// 非阻塞投遞，慢客戶端絕不拖累同房間的另一位玩家。
// 房間註冊表使用與房間內部狀態彼此獨立的鎖。
//
// 比賽結束時，最終結果以盡力而為的方式上傳到外部的
// 內容尋址 blob 發布端，上傳失敗不影響任何廣播。
package wordgrid
