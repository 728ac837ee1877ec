package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ComplianceClient 呼叫外部合規服務檢查交易資格
// 未設置端點時一律放行，拒絕的reason會原樣轉達給出價者
type ComplianceClient struct {
	endpoint string
	client   *http.Client
}

func NewComplianceClient(endpoint string, timeout time.Duration) *ComplianceClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ComplianceClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (cc *ComplianceClient) CanTransact(ctx context.Context, userID, leadID uuid.UUID) (bool, string, error) {
	const op = "ComplianceClient.CanTransact"
	if cc.endpoint == "" {
		return true, "", nil
	}

	payload, err := json.Marshal(map[string]string{
		"userId": userID.String(),
		"leadId": leadID.String(),
	})
	if err != nil {
		return false, "", fmt.Errorf("[%s] Fail to marshal request, err=%w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cc.endpoint, bytes.NewReader(payload))
	if err != nil {
		return false, "", fmt.Errorf("[%s] Fail to build request, err=%w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := cc.client.Do(req)
	if err != nil {
		return false, "", fmt.Errorf("[%s] Fail to call compliance service, err=%w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, "", fmt.Errorf("[%s] Compliance service returned status %d", op, resp.StatusCode)
	}

	var result struct {
		Allowed bool   `json:"allowed"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, "", fmt.Errorf("[%s] Fail to decode response, err=%w", op, err)
	}
	return result.Allowed, result.Reason, nil
}

// SettlerClient 呼叫外部結算服務撥付得標金額
// 未設置端點時鑄造本地參考號完成(開發環境用)，撥付本身為best-effort
type SettlerClient struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

func NewSettlerClient(endpoint string, timeout time.Duration, logger *slog.Logger) *SettlerClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SettlerClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With(slog.String("caller", "SettlerClient")),
	}
}

func (sc *SettlerClient) Settle(ctx context.Context, winnerID uuid.UUID, wallet string, amount decimal.Decimal) (string, error) {
	const op = "SettlerClient.Settle"
	if sc.endpoint == "" {
		reference, err := generateID("local")
		if err != nil {
			return "", fmt.Errorf("[%s] Fail to mint local reference, err=%w", op, err)
		}
		sc.logger.Warn("settlement endpoint not configured, minting local reference",
			slog.String("winner", winnerID.String()),
			slog.String("reference", reference))
		return reference, nil
	}

	payload, err := json.Marshal(map[string]string{
		"winnerId": winnerID.String(),
		"wallet":   wallet,
		"amount":   amount.String(),
	})
	if err != nil {
		return "", fmt.Errorf("[%s] Fail to marshal request, err=%w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sc.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("[%s] Fail to build request, err=%w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("[%s] Fail to call settlement service, err=%w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("[%s] Settlement service returned status %d", op, resp.StatusCode)
	}

	var result struct {
		Reference string `json:"reference"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("[%s] Fail to decode response, err=%w", op, err)
	}
	if result.Reference == "" {
		return "", fmt.Errorf("[%s] Settlement service returned empty reference", op)
	}
	return result.Reference, nil
}

func generateID(prefix string) (string, error) {
	const op = "generateID"
	bytes := make([]byte, 20)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("[%s] Fail to generate unique id, err=%w", op, err)
	}
	return prefix + "_" + base64.URLEncoding.EncodeToString(bytes), nil
}
