package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"go.uber.org/atomic"
)

// IVFCamera replays encoded frames of an IVF file, starting over at the end
type IVFCamera struct {
	path string

	granted *atomic.Bool

	mu       sync.Mutex
	file     *os.File
	reader   *ivfreader.IVFReader
	interval time.Duration
	ticker   *time.Ticker
}

func NewIVFCamera(path string) *IVFCamera {
	return &IVFCamera{
		path:    path,
		granted: atomic.NewBool(true),
	}
}

func (c *IVFCamera) Kind() Kind {
	return Camera
}

func (c *IVFCamera) SetPermission(granted bool) {
	c.granted.Store(granted)
}

func (c *IVFCamera) Permission(ctx context.Context) (bool, error) {
	return c.granted.Load(), nil
}

func (c *IVFCamera) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.file != nil {
		return fmt.Errorf("camera already opened")
	}

	file, err := os.Open(c.path)
	if err != nil {
		return err
	}

	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		file.Close()
		return err
	}
	if header.TimebaseDenominator == 0 || header.TimebaseNumerator == 0 {
		file.Close()
		return fmt.Errorf("ivf %s: zero timebase", c.path)
	}

	// Pace frames with a ticker so parsing time doesn't accumulate skew
	c.interval = time.Second * time.Duration(header.TimebaseNumerator) / time.Duration(header.TimebaseDenominator)
	c.file = file
	c.reader = reader
	c.ticker = time.NewTicker(c.interval)

	return nil
}

func (c *IVFCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.file == nil {
		return nil
	}

	c.ticker.Stop()
	err := c.file.Close()
	c.file = nil
	c.reader = nil

	return err
}

func (c *IVFCamera) ReadFrame(ctx context.Context) (media.Sample, error) {
	c.mu.Lock()
	ticker := c.ticker
	opened := c.file != nil
	c.mu.Unlock()

	if !opened {
		return media.Sample{}, fmt.Errorf("camera is not opened")
	}

	select {
	case <-ctx.Done():
		return media.Sample{}, ctx.Err()
	case <-ticker.C:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.file == nil {
		return media.Sample{}, fmt.Errorf("camera is not opened")
	}

	frame, _, err := c.reader.ParseNextFrame()
	if errors.Is(err, io.EOF) {
		if err := c.rewindLocked(); err != nil {
			return media.Sample{}, err
		}
		frame, _, err = c.reader.ParseNextFrame()
	}
	if err != nil {
		return media.Sample{}, err
	}

	return media.Sample{Data: frame, Duration: c.interval}, nil
}

func (c *IVFCamera) rewindLocked() error {
	if _, err := c.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	reader, _, err := ivfreader.NewWith(c.file)
	if err != nil {
		return err
	}
	c.reader = reader

	return nil
}
