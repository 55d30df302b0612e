package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/visiontrainer/internal/config"
	"github.com/andresmejia3/visiontrainer/internal/identity"
	"github.com/andresmejia3/visiontrainer/internal/logger"
	"github.com/andresmejia3/visiontrainer/internal/store"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func writePNG(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatal(err)
	}
}

func TestValidateEvaluateFlags(t *testing.T) {
	dir := t.TempDir()
	ref := filepath.Join(dir, "ref.png")
	writePNG(t, ref)

	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{
			name:    "Valid options",
			opts:    Options{ClassName: "dog", RefPaths: []string{ref}, KnownPaths: []string{dir}, Threshold: 0.8},
			wantErr: false,
		},
		{
			name:    "Missing class",
			opts:    Options{RefPaths: []string{ref}, KnownPaths: []string{dir}},
			wantErr: true,
		},
		{
			name:    "Missing references",
			opts:    Options{ClassName: "dog", KnownPaths: []string{dir}},
			wantErr: true,
		},
		{
			name:    "Reference does not exist",
			opts:    Options{ClassName: "dog", RefPaths: []string{"nonexistent.png"}, KnownPaths: []string{dir}},
			wantErr: true,
		},
		{
			name:    "Nothing to evaluate",
			opts:    Options{ClassName: "dog", RefPaths: []string{ref}},
			wantErr: true,
		},
		{
			name:    "Manifest does not exist",
			opts:    Options{ClassName: "dog", RefPaths: []string{ref}, Manifest: "missing.yaml"},
			wantErr: true,
		},
		{
			name:    "Invalid threshold",
			opts:    Options{ClassName: "dog", RefPaths: []string{ref}, UnknownPaths: []string{dir}, Threshold: 1.5},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateEvaluateFlags(&tt.opts); (err != nil) != tt.wantErr {
				t.Errorf("validateEvaluateFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateWatchFlags(t *testing.T) {
	// Create a temp file for valid input
	tmpFile, err := os.CreateTemp("", "video.mp4")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())
	tmpFile.Close()

	refDir := t.TempDir()
	valid := func() Options {
		return Options{ClassName: "person", RefPaths: []string{refDir}, Reader: "ffmpeg", NthFrame: 1, Threshold: 0.8}
	}

	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr bool
	}{
		{"Camera defaults", func(o *Options) {}, false},
		{"Video input", func(o *Options) { o.InputPath = tmpFile.Name() }, false},
		{"Input file does not exist", func(o *Options) { o.InputPath = "nonexistent.mp4" }, true},
		{"Input is directory", func(o *Options) { o.InputPath = refDir }, true},
		{"Negative camera", func(o *Options) { o.Camera = -1 }, true},
		{"Unknown reader", func(o *Options) { o.Reader = "vlc" }, true},
		{"Invalid NthFrame", func(o *Options) { o.NthFrame = 0 }, true},
		{"Tick timeout", func(o *Options) { o.TickTimeout = "500ms" }, false},
		{"Bad tick timeout", func(o *Options) { o.TickTimeout = "soon" }, true},
		{"Negative tick timeout", func(o *Options) { o.TickTimeout = "-1s" }, true},
		{"Invalid threshold", func(o *Options) { o.Threshold = -0.2 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid()
			tt.mutate(&opts)
			if err := validateWatchFlags(&opts); (err != nil) != tt.wantErr {
				t.Errorf("validateWatchFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseOptionalDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"2s", 2 * time.Second},
		{"150ms", 150 * time.Millisecond},
	}
	for _, tt := range tests {
		got, err := parseOptionalDuration(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("parseOptionalDuration(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestStopReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "unknown"},
		{identity.ErrStopped, "stopped by user"},
		{context.Canceled, "interrupted"},
		{fmt.Errorf("%w: EOF", identity.ErrAcquisitionFailed), "end of stream"},
		{errors.New("boom"), "boom"},
	}
	for _, tt := range tests {
		if got := stopReason(tt.err); !strings.HasPrefix(got, tt.want) {
			t.Errorf("stopReason(%v) = %q, want prefix %q", tt.err, got, tt.want)
		}
	}
}

func TestPrintClasses(t *testing.T) {
	classes := config.Default().Classes

	var all bytes.Buffer
	if n := printClasses(&all, classes, ""); n != len(classes) {
		t.Errorf("printed %d classes, want %d", n, len(classes))
	}

	var filtered bytes.Buffer
	if n := printClasses(&filtered, classes, "SPORTS"); n != 1 {
		t.Errorf("filter SPORTS matched %d classes, want 1", n)
	}
	if !strings.Contains(filtered.String(), "32") || !strings.Contains(filtered.String(), "sports ball") {
		t.Errorf("unexpected output:\n%s", filtered.String())
	}
}

func TestFmtPercent(t *testing.T) {
	tests := []struct {
		v    float64
		want string
	}{
		{0, "0.00%"},
		{2.0 / 3.0, "66.67%"},
		{1, "100.00%"},
	}
	for _, tt := range tests {
		if got := fmtPercent(tt.v); got != tt.want {
			t.Errorf("fmtPercent(%v) = %v, want %v", tt.v, got, tt.want)
		}
	}
}

func TestReadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "val.yaml")
	body := "known:\n  - me/1.png\nunknown:\n  - /abs/other.png\n  - others\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	known, unknown, err := readManifest(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(known) != 1 || known[0] != filepath.Join(dir, "me/1.png") {
		t.Errorf("known = %v", known)
	}
	if len(unknown) != 2 || unknown[0] != "/abs/other.png" || unknown[1] != filepath.Join(dir, "others") {
		t.Errorf("unknown = %v", unknown)
	}
}

func TestLoadReferencesAndValidation(t *testing.T) {
	Log = logger.Discard()

	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"))
	writePNG(t, filepath.Join(dir, "b.png"))
	broken := filepath.Join(dir, "c.png")
	if err := os.WriteFile(broken, []byte("not a png"), 0644); err != nil {
		t.Fatal(err)
	}

	// One unreadable reference aborts
	if _, err := loadReferences([]string{dir}); err == nil {
		t.Error("expected loadReferences to fail on an unreadable image")
	}
	refs, err := loadReferences([]string{filepath.Join(dir, "a.png"), filepath.Join(dir, "b.png")})
	if err != nil || len(refs) != 2 {
		t.Fatalf("loadReferences() = %d refs, %v", len(refs), err)
	}

	// Unreadable validation images are skipped
	records, unreadable, err := loadValidation([]string{dir}, []string{filepath.Join(dir, "a.png")})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 || len(unreadable) != 1 || unreadable[0] != broken {
		t.Fatalf("records = %d, unreadable = %v", len(records), unreadable)
	}
	if !records[0].Known || records[2].Known {
		t.Errorf("ground truth not carried: %+v", records)
	}
}

func TestEmbeddingOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Input.ChannelOrder = "bgr"
	cfg.Input.Width = 112

	opts, err := identityOptions(cfg, "best", 0.7)
	if err != nil {
		t.Fatal(err)
	}
	if opts.Embedding.ChannelOrder != identity.BGR || opts.Embedding.Width != 112 || opts.Threshold != 0.7 {
		t.Errorf("options = %+v", opts)
	}
	if opts.Selector == nil {
		t.Error("selector not set")
	}

	if _, err := identityOptions(cfg, "largest", 0.7); err == nil {
		t.Error("expected error for unknown selection")
	}
}

func TestDescribeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(path, []byte("frames"), 0644); err != nil {
		t.Fatal(err)
	}
	got := describeFile(path)
	if !strings.HasPrefix(got, path+"#") || len(got) != len(path)+13 {
		t.Errorf("describeFile() = %q", got)
	}
	if got := describeFile("missing.mp4"); got != "missing.mp4" {
		t.Errorf("describeFile(missing) = %q", got)
	}
}

func TestRunCommandsReturnErrors(t *testing.T) {
	Cfg = config.Default()
	Log = logger.Discard()
	ctx := context.Background()

	tests := []struct {
		name        string
		run         func() error
		wantContext string
	}{
		{
			name:        "watch unknown class",
			run:         func() error { return runWatch(ctx, Options{ClassName: "unicorn"}) },
			wantContext: "Unknown class",
		},
		{
			name: "evaluate missing references",
			run: func() error {
				return runEvaluate(ctx, Options{ClassName: "dog", RefPaths: []string{"missing-ref.png"}})
			},
			wantContext: "Failed to load reference images",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ce *commandError
			if err := tt.run(); !errors.As(err, &ce) {
				t.Fatalf("expected a commandError, got %v", err)
			}
			if ce.context != tt.wantContext {
				t.Errorf("context = %q, want %q", ce.context, tt.wantContext)
			}
		})
	}
}

func TestExecuteReleasesResourcesOnFailure(t *testing.T) {
	dir := t.TempDir()
	cleaned := false
	failing := &cobra.Command{
		Use: "always-fails",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer func() { cleaned = true }()
			Log.Info("before failure")
			return fail("Doomed", errors.New("boom"), nil)
		},
	}
	rootCmd.AddCommand(failing)
	t.Cleanup(func() {
		rootCmd.RemoveCommand(failing)
		rootCmd.SetArgs(nil)
		logDir = ""
	})

	rootCmd.SetArgs([]string{"--log-dir", dir, "always-fails"})
	err := execute(context.Background())

	var ce *commandError
	if !errors.As(err, &ce) || ce.context != "Doomed" {
		t.Fatalf("execute() = %v, want the Doomed commandError", err)
	}
	if !cleaned {
		t.Error("command defers did not run before execute returned")
	}

	// The log files are closed: later entries never reach them
	Log.Info("after teardown")
	data, rerr := os.ReadFile(filepath.Join(dir, "info.log"))
	if rerr != nil {
		t.Fatal(rerr)
	}
	if !strings.Contains(string(data), "before failure") || strings.Contains(string(data), "after teardown") {
		t.Errorf("unexpected info.log:\n%s", data)
	}
}

func TestPrintWatchSession(t *testing.T) {
	Cfg = config.Default()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ws := store.WatchSession{
		ID:         uuid.New(),
		Source:     "clip.mp4#0123456789ab",
		ClassID:    16,
		Threshold:  0.8,
		Frames:     10,
		Processed:  5,
		Detections: 4,
		Known:      3,
		StartedAt:  started,
	}

	var out bytes.Buffer
	printWatchSession(&out, ws, 4, 3)
	for _, want := range []string{ws.ID.String(), "dog (id 16)", "10 read, 5 processed", "4 (3 known)", "running"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
	if strings.Contains(out.String(), "Reason") {
		t.Errorf("empty reason should be omitted:\n%s", out.String())
	}

	finished := started.Add(time.Minute)
	ws.FinishedAt = &finished
	ws.Reason = "end of stream"
	out.Reset()
	printWatchSession(&out, ws, 4, 3)
	if strings.Contains(out.String(), "running") || !strings.Contains(out.String(), "end of stream") {
		t.Errorf("unexpected finished output:\n%s", out.String())
	}
}

func TestShowWatchSessionRejectsBadID(t *testing.T) {
	var ce *commandError
	if err := showWatchSession(context.Background(), io.Discard, "not-a-uuid"); !errors.As(err, &ce) || ce.context != "Invalid session ID" {
		t.Errorf("showWatchSession() = %v", err)
	}
}
