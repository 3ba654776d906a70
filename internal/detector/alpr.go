package detector

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/samber/lo"

	"github.com/Spatial-NVR/plategate/internal/events"
)

const (
	captureTimeFormat = "2006_01_02_15_04_05"
	maxLineSize       = 1 << 20
	stopGrace         = 2 * time.Second
)

// Response is one frame's output from the recognizer in JSON mode
type Response struct {
	Version        int      `json:"version"`
	DataType       string   `json:"data_type"`
	EpochTime      int64    `json:"epoch_time"`
	ImgWidth       int      `json:"img_width"`
	ImgHeight      int      `json:"img_height"`
	ProcessingTime float64  `json:"processing_time_ms"`
	Results        []Result `json:"results"`
}

// Result is one plate found in a frame, best candidate first
type Result struct {
	Plate           string             `json:"plate"`
	Confidence      float64            `json:"confidence"`
	MatchesTemplate int                `json:"matches_template"`
	Region          string             `json:"region"`
	Candidates      []events.Candidate `json:"candidates"`
}

// ALPR runs an openalpr-compatible recognizer process on the video source
// and reads its JSON output line by line
type ALPR struct {
	cfg    Config
	report ReportFunc
	logger *slog.Logger
	now    func() time.Time

	frame     int
	lastPlate string
}

// NewALPR is a Factory for the external recognizer
func NewALPR(cfg Config, report ReportFunc, logger *slog.Logger) (Detector, error) {
	if cfg.Binary == "" {
		return nil, errors.New("no recognizer binary configured")
	}
	if _, err := exec.LookPath(cfg.Binary); err != nil {
		return nil, fmt.Errorf("recognizer %s not found: %w", cfg.Binary, err)
	}
	if cfg.VideoSource == "" {
		return nil, errors.New("no video source configured")
	}

	return &ALPR{
		cfg:    cfg,
		report: report,
		logger: logger.With("component", "alpr", "detector", cfg.Name),
		now:    time.Now,
	}, nil
}

func (a *ALPR) args() []string {
	args := []string{"-j"}
	if a.cfg.Region != "" {
		args = append(args, "-c", a.cfg.Region)
	}
	if a.cfg.TopN > 0 {
		args = append(args, "-n", strconv.Itoa(a.cfg.TopN))
	}
	if a.cfg.ConfigFile != "" {
		args = append(args, "--config", a.cfg.ConfigFile)
	}
	return append(args, a.cfg.Source())
}

// Run starts the recognizer and processes its output until ctx is cancelled
// or the recognizer exits
func (a *ALPR) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, a.cfg.Binary, a.args()...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = stopGrace
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting recognizer: %w", err)
	}

	a.logger.Info("Detector loop started", "source", a.cfg.Source(), "pid", cmd.Process.Pid)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		a.process(scanner.Bytes())
	}

	err = cmd.Wait()
	if ctx.Err() != nil {
		a.logger.Info("Detector loop stopped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("recognizer exited: %w", err)
	}
	return errors.New("recognizer exited: video source ended")
}

// process handles one frame of recognizer output
func (a *ALPR) process(line []byte) {
	if len(line) == 0 {
		return
	}

	a.frame++
	if a.cfg.FrameSkip > 1 && a.frame%a.cfg.FrameSkip == 0 {
		a.frame = 0
		return
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		a.logger.Debug("Ignoring recognizer output", "error", err)
		return
	}
	if len(resp.Results) == 0 {
		return
	}

	best := resp.Results[0].Plate
	if best == "" || best == a.lastPlate {
		return
	}
	a.lastPlate = best

	d := events.Detection{
		Detector:   a.cfg.Name,
		Role:       a.cfg.Role,
		Candidates: candidates(resp.Results),
		Timestamp:  a.now(),
	}
	a.logger.Info("Plate recognized", "plate", best, "candidates", len(d.Candidates))

	if a.report != nil {
		a.report(d)
	}

	if a.cfg.CaptureImages {
		if err := a.capture(best, d.Timestamp, line); err != nil {
			a.logger.Warn("Failed to capture recognition", "plate", best, "error", err)
		}
	}
}

// candidates flattens every plate's candidate list, falling back to the
// plate itself when the recognizer sent no candidates
func candidates(results []Result) []events.Candidate {
	return lo.FlatMap(results, func(r Result, _ int) []events.Candidate {
		if len(r.Candidates) == 0 {
			return []events.Candidate{{Plate: r.Plate, Confidence: r.Confidence}}
		}
		return r.Candidates
	})
}

// capture writes the raw recognition to <capture_dir>/<name>/<plate>_<name>_<time>.json
func (a *ALPR) capture(plate string, at time.Time, raw []byte) error {
	dir := filepath.Join(a.cfg.CaptureDir, a.cfg.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	name := fmt.Sprintf("%s_%s_%s.json", plate, a.cfg.Name, at.Format(captureTimeFormat))
	return os.WriteFile(filepath.Join(dir, name), raw, 0644)
}
