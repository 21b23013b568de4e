// Package capture talks to the camera's storage. The camera exposes a block
// partition which is mounted read-only for listing and downloading.
//
// A Camera has a single owner: the ingest loop goroutine. It is not safe for
// concurrent use.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"camrelay/internal/camerautil"
	"camrelay/internal/copyutil"
	"camrelay/internal/deviceid"
	"camrelay/internal/model"
	"camrelay/internal/mount"
	"camrelay/internal/udev"
)

var (
	// ErrDeviceUnavailable means the camera is not attached or could not be
	// reached. It is not fatal; the next cycle reconnects.
	ErrDeviceUnavailable = errors.New("camera unavailable")
	// ErrDeviceBusy means the camera refused access for now, typically while
	// it is writing a capture. The mount is kept.
	ErrDeviceBusy = errors.New("camera busy")
)

type FileHandle struct {
	Name    string // base filename, the identity used everywhere else
	Path    string // absolute path under the mount point
	Size    int64
	ModTime time.Time
}

type Notifier interface {
	Notify(ctx context.Context, message string, priority model.Priority) bool
}

// Resetter power-cycles the camera's USB port between connection attempts.
type Resetter interface {
	Reset(ctx context.Context) error
}

// CommandResetter runs an external tool such as usbreset. An empty Argv is a
// no-op.
type CommandResetter struct {
	Argv []string
}

func (r CommandResetter) Reset(ctx context.Context) error {
	if len(r.Argv) == 0 {
		return nil
	}
	out, err := exec.CommandContext(ctx, r.Argv[0], r.Argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", r.Argv[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

type Config struct {
	DevNode    string
	MountPoint string
	MediaDirs  []string
	Extensions []string
	TempDir    string

	ConnectRetries int
	ConnectDelay   time.Duration

	DeleteAfterDelivery bool
	// DeviceID overrides the derived id when set.
	DeviceID string
}

var DefaultExtensions = []string{".jpg", ".jpeg", ".cr2", ".cr3", ".nef", ".arw", ".mp4", ".mov"}

func (c Config) withDefaults() Config {
	if len(c.MediaDirs) == 0 {
		c.MediaDirs = []string{"DCIM"}
	}
	if len(c.Extensions) == 0 {
		c.Extensions = DefaultExtensions
	}
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = 3
	}
	if c.ConnectDelay <= 0 {
		c.ConnectDelay = 2 * time.Second
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
	return c
}

type Option func(*Camera)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Camera) {
		c.logger = logger
	}
}

func WithResetter(r Resetter) Option {
	return func(c *Camera) {
		c.resetter = r
	}
}

func WithNotifier(n Notifier) Option {
	return func(c *Camera) {
		c.notify = n
	}
}

// WithProperties replaces the udev lookup used to derive the device id.
func WithProperties(fn func(ctx context.Context, devNode string) (map[string]string, error)) Option {
	return func(c *Camera) {
		c.props = fn
	}
}

type Camera struct {
	cfg      Config
	mounter  mount.Mounter
	resetter Resetter
	notify   Notifier
	props    func(ctx context.Context, devNode string) (map[string]string, error)
	logger   zerolog.Logger

	exts     map[string]struct{}
	mounted  bool
	deviceID string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, m mount.Mounter, opts ...Option) *Camera {
	cfg = cfg.withDefaults()
	c := &Camera{
		cfg:      cfg,
		mounter:  m,
		resetter: CommandResetter{},
		props:    udev.Properties,
		logger:   zerolog.Nop(),
		exts:     make(map[string]struct{}, len(cfg.Extensions)),
		deviceID: cfg.DeviceID,
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, e := range cfg.Extensions {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		c.exts[e] = struct{}{}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DeviceID returns the id of the most recently connected camera, or the
// configured override. It is empty until the first successful connect.
func (c *Camera) DeviceID() string {
	return c.deviceID
}

// List connects if needed and returns the capture files on the card sorted by
// path. On ErrDeviceUnavailable or ErrDeviceBusy the list is empty.
func (c *Camera) List(ctx context.Context) ([]FileHandle, error) {
	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	var files []FileHandle
	seen := map[string]string{}
	for _, dir := range c.cfg.MediaDirs {
		root := filepath.Join(c.cfg.MountPoint, dir)
		// skip if the media dir doesn't exist on this card
		if _, err := os.Stat(root); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, c.classify(ctx, err)
		}

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if path != root && strings.HasPrefix(d.Name(), ".") {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() || !c.wanted(d.Name()) {
				return nil
			}

			if prev, dup := seen[d.Name()]; dup {
				c.logger.Warn().Str("file", d.Name()).Str("kept", prev).Str("skipped", path).Msg("duplicate filename on card")
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			seen[d.Name()] = path
			files = append(files, FileHandle{
				Name:    d.Name(),
				Path:    path,
				Size:    info.Size(),
				ModTime: info.ModTime(),
			})
			return nil
		})
		if err != nil {
			return nil, c.classify(ctx, err)
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Download copies h into the temp dir as <YYYYmmdd_HHMMSS>_<name> and returns
// the local path.
func (c *Camera) Download(ctx context.Context, h FileHandle) (string, error) {
	if err := c.connect(ctx); err != nil {
		return "", err
	}
	dst := filepath.Join(c.cfg.TempDir, c.now().Format("20060102_150405")+"_"+h.Name)
	if _, err := copyutil.CopyAtomic(h.Path, dst); err != nil {
		return "", c.classify(ctx, err)
	}
	c.logger.Debug().Str("file", h.Name).Str("local", dst).Msg("downloaded")
	return dst, nil
}

// Delete removes h from the card after confirmed delivery. It does nothing
// unless DeleteAfterDelivery is set.
func (c *Camera) Delete(ctx context.Context, h FileHandle) error {
	if !c.cfg.DeleteAfterDelivery {
		return nil
	}
	if err := c.connect(ctx); err != nil {
		return err
	}
	if err := camerautil.DeleteFromCamera(c.mounter, c.cfg.MountPoint, h.Path); err != nil {
		return c.classify(ctx, err)
	}
	c.logger.Info().Str("file", h.Name).Msg("deleted from camera")
	return nil
}

// Release unmounts the card so the camera can use it between cycles.
func (c *Camera) Release() {
	if !c.mounted {
		return
	}
	c.mounted = false
	if err := c.mounter.Unmount(c.cfg.MountPoint); err != nil {
		c.logger.Warn().Err(err).Str("mount_point", c.cfg.MountPoint).Msg("unmount failed")
	}
}

func (c *Camera) Close() error {
	c.Release()
	return nil
}

func (c *Camera) connect(ctx context.Context) error {
	if c.mounted {
		return nil
	}
	// left over from a previous run
	if ok, err := c.mounter.Mounted(c.cfg.MountPoint); err == nil && ok {
		c.logger.Info().Str("mount_point", c.cfg.MountPoint).Msg("adopting existing mount")
		c.mounted = true
		c.identify(ctx)
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.ConnectRetries; attempt++ {
		err := c.mountOnce()
		if err == nil {
			c.mounted = true
			c.identify(ctx)
			c.logger.Info().Str("dev", c.cfg.DevNode).Str("device_id", c.deviceID).Int("attempt", attempt).Msg("camera connected")
			return nil
		}
		if errors.Is(err, ErrDeviceBusy) {
			c.logger.Info().Err(err).Msg("camera busy")
			return err
		}
		lastErr = err
		c.logger.Warn().Err(err).Int("attempt", attempt).Int("max", c.cfg.ConnectRetries).Msg("camera connect failed")

		if attempt == c.cfg.ConnectRetries {
			break
		}
		if err := c.resetter.Reset(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("usb reset failed")
		}
		if err := c.sleep(ctx, c.cfg.ConnectDelay); err != nil {
			return err
		}
	}

	if c.notify != nil {
		c.notify.Notify(ctx, "Camera connection failed", model.PriorityHigh)
	}
	return fmt.Errorf("connect after %d attempts: %w", c.cfg.ConnectRetries, lastErr)
}

func (c *Camera) mountOnce() error {
	if _, err := os.Stat(c.cfg.DevNode); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	err := c.mounter.MountRO(c.cfg.DevNode, c.cfg.MountPoint)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EBUSY):
		return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	default:
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
}

func (c *Camera) identify(ctx context.Context) {
	if c.cfg.DeviceID != "" {
		return
	}
	props, err := c.props(ctx, c.cfg.DevNode)
	if err != nil {
		c.logger.Debug().Err(err).Msg("udev properties unavailable")
	}
	id, src := deviceid.Derive(c.cfg.MountPoint, c.cfg.DevNode, props)
	c.deviceID = id
	c.logger.Debug().Str("device_id", id).Str("source", string(src)).Msg("device id")
}

// classify maps an I/O error to the capture taxonomy. Anything but EBUSY
// drops the mount so the next call reconnects.
func (c *Camera) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, unix.EBUSY) {
		return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	}
	c.Release()
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}

func (c *Camera) wanted(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasPrefix(name, "~") || strings.HasSuffix(name, "~") || strings.HasSuffix(lower, ".tmp") || strings.HasSuffix(lower, ".part") {
		return false
	}
	_, ok := c.exts[filepath.Ext(lower)]
	return ok
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
