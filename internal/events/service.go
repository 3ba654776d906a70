package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/Spatial-NVR/plategate/internal/database"
)

const (
	queueSize      = 256
	publishTimeout = 5 * time.Second
)

var (
	ErrNoStore  = errors.New("detection store not configured")
	ErrNotFound = errors.New("detection not found")
)

// Sink receives every accepted detection
type Sink interface {
	Name() string
	Publish(ctx context.Context, d *Detection) error
}

// Service receives detections reported by workers, stores them and fans
// them out to sinks and subscribers. A nil database disables storage.
type Service struct {
	db     *database.DB
	logger *slog.Logger

	mu          sync.RWMutex
	sinks       []Sink
	subscribers []chan *Detection

	queue   chan *Detection
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// NewService creates a new detection service
func NewService(db *database.DB, logger *slog.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger.With("component", "event_service"),
		queue:  make(chan *Detection, queueSize),
	}
}

// AddSink registers a sink for every detection accepted from now on
func (s *Service) AddSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
	s.logger.Info("Detection sink added", "sink", sink.Name())
}

// Sinks returns the names of the registered sinks
func (s *Service) Sinks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Map(s.sinks, func(sink Sink, _ int) string { return sink.Name() })
}

// Subscribe returns a channel that receives new detections
func (s *Service) Subscribe() chan *Detection {
	ch := make(chan *Detection, 100)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription
func (s *Service) Unsubscribe(ch chan *Detection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

// Start begins dispatching queued detections
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for d := range s.queue {
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			if err := s.Record(ctx, d); err != nil {
				s.logger.Warn("Detection not fully delivered", "id", d.ID, "detector", d.Detector, "error", err)
			}
			cancel()
		}
	}()
}

// Close stops accepting detections and drains the queue
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	for _, ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = nil
	s.mu.Unlock()
}

// Handle is the command channel handler for the event endpoint. It decodes
// a reported detection, queues it and replies true. Malformed reports are
// answered with false.
func (s *Service) Handle(payload []byte) (any, error) {
	d := &Detection{}
	if err := json.Unmarshal(payload, d); err != nil {
		s.logger.Warn("Malformed detection", "error", err)
		return false, nil
	}
	if err := d.Validate(); err != nil {
		s.logger.Warn("Invalid detection", "error", err)
		return false, nil
	}
	stamp(d)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, nil
	}

	select {
	case s.queue <- d:
	default:
		s.logger.Warn("Detection queue full, dropping", "detector", d.Detector, "plate", d.Plate())
		return false, nil
	}

	s.logger.Info("Detection received", "id", d.ID, "detector", d.Detector, "plate", d.Plate())
	return true, nil
}

func stamp(d *Detection) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}
}

// Record stores d and delivers it to every sink and subscriber.
// Sink failures are collected into the returned error and do not stop delivery.
func (s *Service) Record(ctx context.Context, d *Detection) error {
	stamp(d)

	var errs []error
	if s.db != nil {
		if err := s.insert(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.RLock()
	sinks := append([]Sink(nil), s.sinks...)
	s.mu.RUnlock()

	for _, sink := range sinks {
		if err := sink.Publish(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", sink.Name(), err))
		}
	}

	s.notifySubscribers(d)
	return errors.Join(errs...)
}

func (s *Service) insert(ctx context.Context, d *Detection) error {
	candidates, err := json.Marshal(d.Candidates)
	if err != nil {
		return fmt.Errorf("failed to marshal candidates: %w", err)
	}

	var role sql.NullString
	if d.Role != "" {
		role = sql.NullString{String: d.Role, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO detections (id, detector, role, plate, confidence, candidates, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		d.ID, d.Detector, role, d.Plate(), d.Confidence(), string(candidates), d.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to store detection: %w", err)
	}
	return nil
}

// Get retrieves a detection by ID
func (s *Service) Get(ctx context.Context, id string) (*Detection, error) {
	if s.db == nil {
		return nil, ErrNoStore
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, detector, role, candidates, timestamp FROM detections WHERE id = ?
	`, id)

	d, err := scanDetection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d, err
}

// List retrieves detections with filters, newest first, and the total count
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*Detection, int, error) {
	if s.db == nil {
		return nil, 0, ErrNoStore
	}

	where := " WHERE 1=1"
	args := []any{}

	if opts.Detector != "" {
		where += " AND detector = ?"
		args = append(args, opts.Detector)
	}
	if opts.Plate != "" {
		where += " AND plate = ?"
		args = append(args, opts.Plate)
	}
	if !opts.Since.IsZero() {
		where += " AND timestamp >= ?"
		args = append(args, opts.Since.UnixMilli())
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM detections"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := 50
	if opts.Limit > 0 && opts.Limit <= 1000 {
		limit = opts.Limit
	}
	query := "SELECT id, detector, role, candidates, timestamp FROM detections" + where +
		" ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	detections := []*Detection{}
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, 0, err
		}
		detections = append(detections, d)
	}

	return detections, total, rows.Err()
}

// CountByDetector returns the number of stored detections per detector
func (s *Service) CountByDetector(ctx context.Context) (map[string]int, error) {
	if s.db == nil {
		return nil, ErrNoStore
	}

	rows, err := s.db.QueryContext(ctx, "SELECT detector, COUNT(*) FROM detections GROUP BY detector")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var detector string
		var n int
		if err := rows.Scan(&detector, &n); err != nil {
			return nil, err
		}
		counts[detector] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDetection(row scanner) (*Detection, error) {
	d := &Detection{}
	var role sql.NullString
	var candidates string
	var ts int64

	if err := row.Scan(&d.ID, &d.Detector, &role, &candidates, &ts); err != nil {
		return nil, err
	}
	if role.Valid {
		d.Role = role.String
	}
	if err := json.Unmarshal([]byte(candidates), &d.Candidates); err != nil {
		return nil, fmt.Errorf("corrupt candidates for detection %s: %w", d.ID, err)
	}
	d.Timestamp = time.UnixMilli(ts)
	return d, nil
}

func (s *Service) notifySubscribers(d *Detection) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- d:
		default:
		}
	}
}
