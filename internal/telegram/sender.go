// Package telegram implements the messaging transport on the Bot API.
package telegram

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"mediabeam/internal/deliver"
)

// Sender uploads files through a bot account. The Bot API offers no
// mid-flight abort, so uploads run to completion once started; callers
// check for cancellation before delivery.
type Sender struct {
	api *tgbotapi.BotAPI
}

func New(token string) (*Sender, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("bot api auth: %w", err)
	}
	log.Info().Str("account", api.Self.UserName).Msg("messaging endpoint authorized")
	return &Sender{api: api}, nil
}

func chatID(dest string) (int64, error) {
	id, err := strconv.ParseInt(dest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q", dest)
	}
	return id, nil
}

// countingReader reports absolute bytes read at a coarse interval and at EOF.
type countingReader struct {
	r     io.Reader
	total int64
	sent  int64
	cb    func(sent, total int64)
	last  time.Time
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.sent += int64(n)
	if c.cb != nil && (err == io.EOF || time.Since(c.last) >= time.Second) {
		c.last = time.Now()
		c.cb(c.sent, c.total)
	}
	return n, err
}

// file opens path as an upload with progress reporting. The caller owns the
// returned closer.
func file(path string, onProgress func(sent, total int64)) (tgbotapi.RequestFileData, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	reader := &countingReader{r: f, total: fi.Size(), cb: onProgress}
	return tgbotapi.FileReader{Name: filepath.Base(path), Reader: reader}, f, nil
}

func (s *Sender) SendVideo(ctx context.Context, dest, path, caption, thumb string, meta deliver.VideoMeta, onProgress func(sent, total int64)) error {
	id, err := chatID(dest)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, closer, err := file(path, onProgress)
	if err != nil {
		return err
	}
	defer closer.Close()

	cfg := tgbotapi.NewVideo(id, data)
	cfg.Caption = caption
	cfg.Duration = meta.Duration
	cfg.SupportsStreaming = true
	if thumb != "" {
		cfg.Thumb = tgbotapi.FilePath(thumb)
	}
	_, err = s.api.Send(cfg)
	return wrapSendErr(err)
}

func (s *Sender) SendAudio(ctx context.Context, dest, path, caption, thumb string, onProgress func(sent, total int64)) error {
	id, err := chatID(dest)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, closer, err := file(path, onProgress)
	if err != nil {
		return err
	}
	defer closer.Close()

	cfg := tgbotapi.NewAudio(id, data)
	cfg.Caption = caption
	if thumb != "" {
		cfg.Thumb = tgbotapi.FilePath(thumb)
	}
	_, err = s.api.Send(cfg)
	return wrapSendErr(err)
}

func (s *Sender) SendPhoto(ctx context.Context, dest, path, caption string, onProgress func(sent, total int64)) error {
	id, err := chatID(dest)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, closer, err := file(path, onProgress)
	if err != nil {
		return err
	}
	defer closer.Close()

	cfg := tgbotapi.NewPhoto(id, data)
	cfg.Caption = caption
	_, err = s.api.Send(cfg)
	return wrapSendErr(err)
}

func (s *Sender) SendDocument(ctx context.Context, dest, path, caption, thumb string, onProgress func(sent, total int64)) error {
	id, err := chatID(dest)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, closer, err := file(path, onProgress)
	if err != nil {
		return err
	}
	defer closer.Close()

	cfg := tgbotapi.NewDocument(id, data)
	cfg.Caption = caption
	if thumb != "" {
		cfg.Thumb = tgbotapi.FilePath(thumb)
	}
	_, err = s.api.Send(cfg)
	return wrapSendErr(err)
}

// SendText pushes a plain status line, ignoring failures; notifications are
// best effort.
func (s *Sender) SendText(dest, text string) {
	id, err := chatID(dest)
	if err != nil {
		return
	}
	if _, err := s.api.Send(tgbotapi.NewMessage(id, text)); err != nil {
		log.Debug().Str("dest", dest).Err(err).Msg("notification send failed")
	}
}

func wrapSendErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("upload failed: %w", err)
}
