// Package backend is the outbound HTTP collaborator: the business backend
// that owns gift settlement, room status, and room/membership ownership.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/livestage/sfu-gateway/internal/config"
	"github.com/livestage/sfu-gateway/internal/metrics"
)

// Client calls the business backend's internal HTTP API. Every call runs
// through a shared circuit breaker and a per-call deadline.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	internalKey string
	timeout     time.Duration
	breaker     *gobreaker.CircuitBreaker
	logger      *zap.Logger
}

func New(cfg config.BackendConfig, logger *zap.Logger) *Client {
	settings := gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BackendBreakerStateChanges.WithLabelValues(from.String(), to.String()).Inc()
			logger.Warn("backend breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}

	return &Client{
		httpClient:  &http.Client{},
		baseURL:     cfg.BaseURL,
		internalKey: cfg.InternalKey,
		timeout:     cfg.RequestTimeout,
		breaker:     gobreaker.NewCircuitBreaker(settings),
		logger:      logger,
	}
}

type RoomStatusUpdate struct {
	Live             bool       `json:"live"`
	ParticipantCount int        `json:"participant_count"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
}

type RoomOwner struct {
	OwnerID int64 `json:"owner_id"`
}

type MemberRole struct {
	Role string `json:"role"`
}

type GiftTransactionPayload struct {
	TransactionID string    `json:"transactionId"`
	RoomID        string    `json:"roomId,omitempty"`
	SenderID      int64     `json:"senderId"`
	RecipientID   int64     `json:"recipientId"`
	GiftID        int64     `json:"giftId"`
	Quantity      int       `json:"quantity"`
	Timestamp     time.Time `json:"timestamp"`
}

type GiftBatchRequest struct {
	Transactions []GiftTransactionPayload `json:"transactions"`
}

type GiftBatchFailure struct {
	TransactionID string `json:"transactionId"`
	Code          int    `json:"code"`
	Reason        string `json:"reason"`
}

type GiftBatchResponse struct {
	ProcessedCount int                `json:"processed_count"`
	Failed         []GiftBatchFailure `json:"failed"`
}

// PostRoomStatus notifies the backend of a room's liveness; fire-and-forget
// in the sense that callers only warn-log a failure, never block room logic on it.
func (c *Client) PostRoomStatus(ctx context.Context, roomID string, update RoomStatusUpdate) error {
	_, err := c.do(ctx, "room_status", http.MethodPost, fmt.Sprintf("/internal/rooms/%s/status", roomID), update, nil)
	return err
}

// GetRoomOwner resolves the authoritative owner of a room. Never trust a
// client-supplied ownerId; always go through this call.
func (c *Client) GetRoomOwner(ctx context.Context, roomID string) (*RoomOwner, error) {
	var out RoomOwner
	_, err := c.do(ctx, "room_owner", http.MethodGet, fmt.Sprintf("/internal/rooms/%s", roomID), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMemberRole resolves a user's role within a room ("owner", "admin", "member").
// A 404 response is surfaced as a nil result with no error (member not found
// is not exceptional — it means "member" for gate purposes at the call site).
func (c *Client) GetMemberRole(ctx context.Context, roomID string, userID int64) (*MemberRole, error) {
	var out MemberRole
	status, err := c.do(ctx, "member_role", http.MethodGet, fmt.Sprintf("/internal/rooms/%s/members/%d/role", roomID, userID), nil, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	return &out, nil
}

// PostGiftBatch submits one batch of gift transactions for settlement.
func (c *Client) PostGiftBatch(ctx context.Context, req GiftBatchRequest) (*GiftBatchResponse, error) {
	var out GiftBatchResponse
	_, err := c.do(ctx, "gift_batch", http.MethodPost, "/internal/gifts/batch", req, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SeatRoles adapts Client to seat.BackendRoles' narrower (value, bool)
// shape, since the seat package's cache layer treats "not found" as a
// first-class outcome rather than an error.
type SeatRoles struct {
	Client *Client
}

func (s SeatRoles) GetRoomOwner(ctx context.Context, roomID string) (int64, error) {
	owner, err := s.Client.GetRoomOwner(ctx, roomID)
	if err != nil {
		return 0, err
	}
	return owner.OwnerID, nil
}

func (s SeatRoles) GetMemberRole(ctx context.Context, roomID string, userID int64) (string, bool, error) {
	role, err := s.Client.GetMemberRole(ctx, roomID, userID)
	if err != nil {
		return "", false, err
	}
	if role == nil {
		return "", false, nil
	}
	return role.Role, true, nil
}

func (c *Client) do(ctx context.Context, route, method, path string, body any, out any) (int, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			encoded, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("marshal request: %w", err)
			}
			reader = bytes.NewReader(encoded)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Internal-Key", c.internalKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("do request: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 500 {
			return resp.StatusCode, fmt.Errorf("backend returned %d", resp.StatusCode)
		}
		if out != nil && len(data) > 0 && resp.StatusCode < 300 {
			if err := json.Unmarshal(data, out); err != nil {
				return resp.StatusCode, fmt.Errorf("decode response: %w", err)
			}
		}
		return resp.StatusCode, nil
	})

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.BackendRequestDurationMs.WithLabelValues(route, outcome).Observe(float64(time.Since(start).Milliseconds()))

	status := 0
	if result != nil {
		status, _ = result.(int)
	}
	if err != nil {
		c.logger.Warn("backend request failed", zap.String("route", route), zap.Error(err))
		return status, err
	}
	return status, nil
}
