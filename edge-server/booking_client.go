package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"cinema-seathold/shared"
)

// ErrBookingUnavailable means the booking service could not be reached or failed internally.
var ErrBookingUnavailable = errors.New("booking service unavailable")

// RejectedError is returned when the booking service refused a request.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("booking service rejected request (%d): %s", e.StatusCode, e.Message)
}

// BookingService is the part of the booking API the edge server calls.
type BookingService interface {
	Hold(ctx context.Context, showtimeID, userID int64, ticketIDs []int64) error
	Release(ctx context.Context, showtimeID, userID int64, ticketIDs []int64) error
	Holds(ctx context.Context, showtimeID int64) ([]shared.HoldRecord, error)
}

// BookingClient handles communication with the booking service
type BookingClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewBookingClient(baseURL string, timeout time.Duration) *BookingClient {
	return &BookingClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func holdsPath(showtimeID int64) string {
	return "/api/showtimes/" + strconv.FormatInt(showtimeID, 10) + "/holds"
}

func (bc *BookingClient) Hold(ctx context.Context, showtimeID, userID int64, ticketIDs []int64) error {
	return bc.do(ctx, http.MethodPost, holdsPath(showtimeID), shared.HoldRequest{UserID: userID, TicketIDs: ticketIDs}, nil)
}

func (bc *BookingClient) Release(ctx context.Context, showtimeID, userID int64, ticketIDs []int64) error {
	return bc.do(ctx, http.MethodDelete, holdsPath(showtimeID), shared.HoldRequest{UserID: userID, TicketIDs: ticketIDs}, nil)
}

func (bc *BookingClient) Holds(ctx context.Context, showtimeID int64) ([]shared.HoldRecord, error) {
	var holds []shared.HoldRecord
	if err := bc.do(ctx, http.MethodGet, holdsPath(showtimeID), nil, &holds); err != nil {
		return nil, err
	}
	return holds, nil
}

// HealthCheck verifies the booking service is available
func (bc *BookingClient) HealthCheck(ctx context.Context) error {
	return bc.do(ctx, http.MethodGet, shared.APIEndpointHealth, nil, nil)
}

func (bc *BookingClient) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, bc.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := bc.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBookingUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", ErrBookingUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		var errResp shared.ErrorResponse
		msg := string(raw)
		if err := json.Unmarshal(raw, &errResp); err == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		return &RejectedError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
