package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// FFmpeg wraps FFmpeg binary execution
type FFmpeg struct {
	binaryPath string
	probePath  string // empty when ffprobe is not installed
}

// New creates a new FFmpeg wrapper
func New() (*FFmpeg, error) {
	ffmpegPath, err := findBinary("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}

	// ffprobe is only needed to inspect file and network inputs
	ffprobePath, _ := findBinary("ffprobe")

	return &FFmpeg{
		binaryPath: ffmpegPath,
		probePath:  ffprobePath,
	}, nil
}

// findBinary locates a binary in PATH or common locations
func findBinary(name string) (string, error) {
	// Try PATH first
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	// Common locations by OS
	var paths []string
	switch runtime.GOOS {
	case "darwin":
		paths = []string{
			"/opt/homebrew/bin/" + name,
			"/usr/local/bin/" + name,
		}
	case "linux":
		paths = []string{
			"/usr/bin/" + name,
			"/usr/local/bin/" + name,
		}
	case "windows":
		paths = []string{
			"C:\\ffmpeg\\bin\\" + name + ".exe",
			"C:\\Program Files\\ffmpeg\\bin\\" + name + ".exe",
		}
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%s not found in PATH or common locations", name)
}

// Version returns the FFmpeg version string
func (f *FFmpeg) Version(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, f.binaryPath, "-version")
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}

	lines := strings.Split(string(output), "\n")
	if len(lines) > 0 {
		return strings.TrimSpace(lines[0]), nil
	}
	return "", fmt.Errorf("no version output")
}

// ListInputDevices lists available capture devices (macOS AVFoundation,
// Linux v4l2, Windows DirectShow)
func (f *FFmpeg) ListInputDevices(ctx context.Context) (string, error) {
	var args []string

	switch runtime.GOOS {
	case "darwin":
		args = []string{"-hide_banner", "-f", "avfoundation", "-list_devices", "true", "-i", ""}
	case "linux":
		args = []string{"-hide_banner", "-sources", "v4l2"}
	case "windows":
		args = []string{"-hide_banner", "-f", "dshow", "-list_devices", "true", "-i", "dummy"}
	default:
		return "", fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}

	cmd := exec.CommandContext(ctx, f.binaryPath, args...)
	output, _ := cmd.CombinedOutput() // This will "fail" but output device list
	return string(output), nil
}

// process is a running ffmpeg child with piped stdio
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	done   chan error
}

// start launches ffmpeg with args. stdin is only piped when withStdin is set.
// stderr lines are forwarded to logger.
func (f *FFmpeg) start(args []string, withStdin bool, logger *slog.Logger) (*process, error) {
	cmd := exec.Command(f.binaryPath, args...)

	var stdin io.WriteCloser
	if withStdin {
		var err error
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("get stdin pipe: %w", err)
		}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	logger.Debug("FFmpeg started", "pid", cmd.Process.Pid, "args", strings.Join(args, " "))

	p := &process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		done:   make(chan error, 1),
	}
	go monitorOutput(bufio.NewScanner(stderr), logger)
	return p, nil
}

// wait reaps the process once stdout is drained. Only the stdout reader
// calls it; stop picks the result up from done.
func (p *process) wait() error {
	err := p.cmd.Wait()
	p.done <- err
	return err
}

// stop closes stdin for a graceful exit (or interrupts ffmpeg when there
// is no stdin), then interrupts and finally kills it if it does not exit.
func (p *process) stop(timeout time.Duration) error {
	if p.stdin != nil {
		p.stdin.Close()
	} else {
		// nothing to close; ask ffmpeg to finish
		p.cmd.Process.Signal(os.Interrupt)
	}

	select {
	case err := <-p.done:
		return err
	case <-time.After(timeout):
	}

	// Send SIGINT for graceful shutdown
	p.cmd.Process.Signal(os.Interrupt)
	select {
	case err := <-p.done:
		return err
	case <-time.After(timeout):
		p.cmd.Process.Kill()
		return <-p.done
	}
}

func monitorOutput(scanner *bufio.Scanner, logger *slog.Logger) {
	for scanner.Scan() {
		line := scanner.Text()

		// Log errors
		if strings.Contains(line, "Error") || strings.Contains(line, "error") {
			logger.Warn("FFmpeg", "line", line)
			continue
		}
		logger.Debug("FFmpeg", "line", line)
	}
}
