package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Archiver 比賽結果歸檔客戶端
//
// 比賽結束時把最終結果上傳到外部的內容尋址 blob 發布端。
// 嚴格盡力而為：上傳在獨立協程中帶超時執行，任何失敗只記錄日誌，
// 絕不阻塞或改變已經廣播出去的 GAME_OVER。
type Archiver struct {
	publisherURL string
	client       *http.Client
	logger       *slog.Logger
}

// NewArchiver 創建歸檔客戶端
func NewArchiver(publisherURL string, logger *slog.Logger) *Archiver {
	return &Archiver{
		publisherURL: publisherURL,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger,
	}
}

// blobResponse 發布端的兩種成功形狀：新建或已存在
type blobResponse struct {
	NewlyCreated *struct {
		BlobObject struct {
			BlobID string `json:"blobId"`
		} `json:"blobObject"`
	} `json:"newlyCreated"`
	AlreadyCertified *struct {
		BlobID string `json:"blobId"`
	} `json:"alreadyCertified"`
}

// Probe 啟動時探測發布端可達性，結果只記錄日誌
func (a *Archiver) Probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, a.publisherURL+"/v1/blobs", nil)
	if err != nil {
		a.logger.Warn("構造探測請求失敗", "error", err)
		return
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn("無法連接結果發布端", "url", a.publisherURL, "error", err)
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusMethodNotAllowed:
		a.logger.Info("結果發布端可達", "url", a.publisherURL)
	default:
		a.logger.Warn("結果發布端響應異常", "url", a.publisherURL, "status", resp.StatusCode)
	}
}

// Upload 同步上傳一筆比賽結果，返回 blob ID
func (a *Archiver) Upload(ctx context.Context, result MatchResult) (string, error) {
	body, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("序列化比賽結果: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		a.publisherURL+"/v1/blobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("構造上傳請求: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("上傳比賽結果: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("發布端返回 %d", resp.StatusCode)
	}

	var parsed blobResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("解析發布端響應: %w", err)
	}

	switch {
	case parsed.NewlyCreated != nil:
		return parsed.NewlyCreated.BlobObject.BlobID, nil
	case parsed.AlreadyCertified != nil:
		return parsed.AlreadyCertified.BlobID, nil
	default:
		return "", fmt.Errorf("發布端響應缺少 blobId")
	}
}

// UploadAsync 即發即棄地上傳比賽結果
//
// 作為房間的 onEnded 掛鉤使用：立即返回，上傳在後台進行。
func (a *Archiver) UploadAsync(result MatchResult) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		blobID, err := a.Upload(ctx, result)
		if err != nil {
			a.logger.Warn("歸檔比賽結果失敗",
				"room_code", result.RoomCode,
				"error", err)
			return
		}

		a.logger.Info("比賽結果已歸檔",
			"room_code", result.RoomCode,
			"blob_id", blobID)
	}()
}
