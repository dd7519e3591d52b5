package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"educate-attendance/internal/token"
)

// Sentinel errors surfaced to the HTTP layer.
var (
	ErrSessionMismatch = errors.New("token session does not match request")
	ErrRateLimited     = errors.New("rate limit exceeded")
)

// Store is the slice of the repository the service needs.
type Store interface {
	Create(ctx context.Context, rec Record) (Record, error)
	FindBySessionAndStudent(ctx context.Context, sessionID, studentID string) (*Record, error)
}

// Limiter bounds marking attempts per (identity, session).
type Limiter interface {
	Allow(ctx context.Context, identity, sessionID string) bool
}

// Enqueuer hands a freshly persisted record to the async forwarder.
type Enqueuer interface {
	EnqueueForward(ctx context.Context, rec Record) error
}

// Tokens verifies and issues session tokens.
type Tokens interface {
	Issue(sessionID, courseID, teacherID string) (string, time.Time, error)
	Verify(raw string) (token.Claims, error)
}

// Identity of the authenticated student making the request.
type Identity struct {
	UserID     string
	ExternalID string
}

// MarkInput carries one marking request through the state machine.
type MarkInput struct {
	SessionID string
	Token     string
	Student   Identity
	Method    string
	UserAgent string
	IPAddress string
}

// MarkResult is the outcome of a marking request.
type MarkResult struct {
	AlreadyMarked bool
	Record        Record
	Claims        token.Claims
}

// ScanResult is the outcome of a QR validation request.
type ScanResult struct {
	AlreadyMarked bool
	Claims        token.Claims
	ExpiresIn     time.Duration
	Record        *Record
}

// QRPayload is the JSON embedded in a rendered QR code.
type QRPayload struct {
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// Service orchestrates the marking pipeline: rate limit, token verification,
// session binding, idempotent duplicate handling, durable insert, async
// forward enqueue.
type Service struct {
	store   Store
	tokens  Tokens
	limiter Limiter
	queue   Enqueuer
	now     func() time.Time
}

// NewService creates a marking service.
func NewService(store Store, tokens Tokens, limiter Limiter, queue Enqueuer) *Service {
	return &Service{store: store, tokens: tokens, limiter: limiter, queue: queue, now: time.Now}
}

// IssueQR mints a session token and wraps it in the QR payload.
func (s *Service) IssueQR(sessionID, courseID, teacherID string) (QRPayload, time.Time, error) {
	signed, exp, err := s.tokens.Issue(sessionID, courseID, teacherID)
	if err != nil {
		return QRPayload{}, time.Time{}, err
	}
	return QRPayload{SessionID: sessionID, Token: signed}, exp, nil
}

// ParseQRPayload decodes scanned QR data into its session id and token.
func ParseQRPayload(qrData string) (QRPayload, error) {
	var p QRPayload
	if err := json.Unmarshal([]byte(qrData), &p); err != nil {
		return QRPayload{}, fmt.Errorf("invalid qr payload: %w", err)
	}
	if p.SessionID == "" || p.Token == "" {
		return QRPayload{}, errors.New("qr payload must contain session_id and token")
	}
	return p, nil
}

// Scan validates a scanned QR token without creating a record. Tells the
// client whether the session is open and whether the student already marked.
func (s *Service) Scan(ctx context.Context, sessionID, rawToken string, student Identity) (ScanResult, error) {
	claims, err := s.tokens.Verify(rawToken)
	if err != nil {
		return ScanResult{}, err
	}
	if claims.SessionID != sessionID {
		return ScanResult{}, ErrSessionMismatch
	}

	var expiresIn time.Duration
	if claims.ExpiresAt != nil {
		expiresIn = claims.ExpiresAt.Time.Sub(s.now())
	}

	existing, err := s.store.FindBySessionAndStudent(ctx, sessionID, student.UserID)
	if err != nil {
		return ScanResult{}, err
	}
	if existing != nil {
		return ScanResult{AlreadyMarked: true, Claims: claims, ExpiresIn: expiresIn, Record: existing}, nil
	}
	return ScanResult{Claims: claims, ExpiresIn: expiresIn}, nil
}

// Mark records attendance exactly once for (session, student).
//
// The token is always re-verified here, even after a successful Scan: the
// scan response is advisory and a stale or replayed mark request must not
// bypass the validity window. Duplicate detection relies on the store's
// unique constraint; losing the insert race is treated the same as finding
// an existing record, so repeated requests are never an error.
func (s *Service) Mark(ctx context.Context, in MarkInput) (MarkResult, error) {
	if s.limiter != nil && !s.limiter.Allow(ctx, in.Student.UserID, in.SessionID) {
		return MarkResult{}, ErrRateLimited
	}

	claims, err := s.tokens.Verify(in.Token)
	if err != nil {
		return MarkResult{}, err
	}
	if claims.SessionID != in.SessionID {
		return MarkResult{}, ErrSessionMismatch
	}

	existing, err := s.store.FindBySessionAndStudent(ctx, in.SessionID, in.Student.UserID)
	if err != nil {
		return MarkResult{}, err
	}
	if existing != nil {
		return MarkResult{AlreadyMarked: true, Record: *existing, Claims: claims}, nil
	}

	method := in.Method
	if method == "" {
		method = MethodQR
	}
	rec := Record{
		ExternalSessionID: in.SessionID,
		StudentID:         in.Student.UserID,
		Status:            StatusPresent,
		Method:            method,
		UserAgent:         in.UserAgent,
		IPAddress:         in.IPAddress,
	}
	if in.Student.ExternalID != "" {
		rec.StudentExternalID = &in.Student.ExternalID
	}

	created, err := s.store.Create(ctx, rec)
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			// Lost the race to a concurrent scan of the same pair.
			winner, ferr := s.store.FindBySessionAndStudent(ctx, in.SessionID, in.Student.UserID)
			if ferr != nil || winner == nil {
				return MarkResult{}, fmt.Errorf("duplicate detected but record not found: %v", ferr)
			}
			return MarkResult{AlreadyMarked: true, Record: *winner, Claims: claims}, nil
		}
		return MarkResult{}, err
	}

	// Record is durable from here on. An enqueue failure only delays the
	// forward: the reconciliation sweep will re-drive it.
	if s.queue != nil {
		if err := s.queue.EnqueueForward(ctx, created); err != nil {
			log.Printf("forward enqueue failed for record %s: %v", created.ID, err)
		}
	}

	return MarkResult{Record: created, Claims: claims}, nil
}
