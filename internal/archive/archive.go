// Package archive drives the per-channel archive pipeline: it iterates a
// channel's message history through a TelegramGateway, persists messages,
// media and users to the Store, downloads media payloads (respecting the
// configured MIME whitelist), and writes the sidecar JSON / CSV download log
// spec §6.B describes. It resumes from the last Checkpoint for the channel
// it is archiving.
package archive

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	gofasterrors "github.com/go-faster/errors"

	"spectra/internal/gateway"
	"spectra/internal/infra/logger"
	"spectra/internal/infra/storage"
	"spectra/internal/model"
	"spectra/internal/store"
)

// Options configures one archive pass, mirroring spec §6.C's archive toggles.
type Options struct {
	DownloadMedia      bool
	DownloadAvatars    bool
	ArchiveTopics      bool
	MediaMimeWhitelist []string
	FetchBatchSize     int
	FetchWait          time.Duration
	FetchLimit         int
	MediaDir           string
	DownloadLogPath    string
}

// Pipeline is the archive driver, bound to one Store and set of Options.
type Pipeline struct {
	st   *store.Store
	opts Options
}

// New builds a Pipeline writing into st under opts.
func New(st *store.Store, opts Options) *Pipeline {
	if opts.FetchBatchSize <= 0 {
		opts.FetchBatchSize = 100
	}
	return &Pipeline{st: st, opts: opts}
}

// Archive iterates entity's message history from the last checkpoint,
// persisting every message (and its media/user), and returns the number of
// messages processed. checkpointContext scopes the resume marker, typically
// the channel id as a string.
func (p *Pipeline) Archive(ctx context.Context, gw gateway.TelegramGateway, entity gateway.Entity, checkpointContext string) (int, error) {
	offset := int64(0)
	if last, ok, err := p.st.LatestCheckpoint(ctx, checkpointContext); err != nil {
		return 0, gofasterrors.Wrap(err, "archive: load checkpoint")
	} else if ok {
		offset = last
	}

	iter, err := gw.IterMessages(ctx, entity, gateway.IterMessagesOptions{
		OffsetID: offset,
		Reverse:  true,
		Limit:    p.opts.FetchLimit,
	})
	if err != nil {
		return 0, gofasterrors.Wrap(err, "archive: iter messages")
	}

	count := 0
	var lastID int64
	seenTopics := make(map[int64]bool)
	seenAvatars := make(map[int64]bool)
	for {
		msg, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return count, gofasterrors.Wrap(err, "archive: next message")
		}

		if err := p.processMessage(ctx, gw, entity, msg, seenTopics, seenAvatars); err != nil {
			logger.Warnf("archive: process message %d on %d: %v", msg.ID, entity.ID, err)
			continue
		}

		lastID = msg.ID
		count++
		if count%p.opts.FetchBatchSize == 0 {
			if err := p.st.SaveCheckpoint(ctx, lastID, checkpointContext); err != nil {
				logger.Warnf("archive: save checkpoint: %v", err)
			}
			if p.opts.FetchWait > 0 {
				select {
				case <-time.After(p.opts.FetchWait):
				case <-ctx.Done():
					return count, ctx.Err()
				}
			}
		}
	}

	if lastID != 0 {
		if err := p.st.SaveCheckpoint(ctx, lastID, checkpointContext); err != nil {
			logger.Warnf("archive: final checkpoint: %v", err)
		}
	}
	return count, nil
}

func (p *Pipeline) processMessage(ctx context.Context, gw gateway.TelegramGateway, entity gateway.Entity, msg gateway.Message, seenTopics, seenAvatars map[int64]bool) error {
	if msg.SenderID != nil {
		u := model.User{
			ID:          *msg.SenderID,
			Username:    msg.SenderUsername,
			FirstName:   msg.SenderFirstName,
			LastName:    msg.SenderLastName,
			LastUpdated: time.Now().UTC(),
		}
		if p.opts.DownloadAvatars && p.opts.MediaDir != "" && !seenAvatars[*msg.SenderID] {
			seenAvatars[*msg.SenderID] = true
			if path, err := p.downloadAvatar(ctx, gw, *msg.SenderID, msg.SenderAccessHash); err != nil {
				logger.Warnf("archive: download avatar for user %d: %v", *msg.SenderID, err)
			} else {
				u.AvatarPath = path
			}
		}
		if err := p.st.UpsertUser(ctx, u); err != nil {
			logger.Warnf("archive: upsert user %d: %v", *msg.SenderID, err)
		}
	}

	if p.opts.ArchiveTopics && msg.TopicID != nil && !seenTopics[*msg.TopicID] {
		seenTopics[*msg.TopicID] = true
		t := model.Topic{ID: *msg.TopicID, EntityID: entity.ID, CreatedAt: time.Now().UTC()}
		if err := p.st.UpsertTopic(ctx, t); err != nil {
			logger.Warnf("archive: upsert topic %d: %v", *msg.TopicID, err)
		}
	}

	kind := model.MessageKindText
	switch {
	case msg.IsService:
		kind = model.MessageKindService
	case msg.HasMedia:
		kind = model.MessageKindMedia
	}

	var mediaID *int64
	if msg.HasMedia {
		id := msg.ID // media rows are keyed by message id when the media itself carries no stable id
		if msg.Media.HasID {
			id = msg.Media.ID
		}
		mediaID = &id

		media := model.Media{
			ID:       id,
			Type:     mediaKindFrom(msg.Media.TypeName),
			URL:      msg.Media.WebpageURL,
			MIME:     msg.Media.MIME,
			Checksum: contentChecksum(msg),
		}
		if err := p.st.UpsertMedia(ctx, media); err != nil {
			return gofasterrors.Wrap(err, "upsert media")
		}

		if p.opts.DownloadMedia && shouldDownload(msg.Media.MIME, p.opts.MediaMimeWhitelist) {
			if err := p.downloadAndSidecar(ctx, gw, entity, msg); err != nil {
				logger.Warnf("archive: download media for message %d: %v", msg.ID, err)
			}
		}
	}

	m := model.Message{
		ID:       msg.ID,
		Type:     kind,
		Date:     msg.Date,
		EditDate: msg.EditDate,
		Content:  msg.Text,
		ReplyTo:  msg.ReplyTo,
		UserID:   msg.SenderID,
		MediaID:  mediaID,
		TopicID:  topicIDIfEnabled(msg, p.opts.ArchiveTopics),
		Checksum: contentChecksum(msg),
	}
	return gofasterrors.Wrap(p.st.UpsertMessage(ctx, m), "upsert message")
}

func topicIDIfEnabled(msg gateway.Message, enabled bool) *int64 {
	if !enabled {
		return nil
	}
	return msg.TopicID
}

func mediaKindFrom(typeName string) model.MediaKind {
	switch typeName {
	case "photo":
		return model.MediaKindPhoto
	case "video":
		return model.MediaKindVideo
	case "document":
		return model.MediaKindDocument
	case "audio":
		return model.MediaKindAudio
	case "poll":
		return model.MediaKindPoll
	case "webpage":
		return model.MediaKindWebpage
	case "contact":
		return model.MediaKindContact
	default:
		return model.MediaKindDocument
	}
}

// contentChecksum is the integrity digest recorded at insert time (spec §3:
// "distinct from forward dedup hash"). It is a simple, stable function of
// the message's identity and content so VerifyChecksums can detect rows
// that were never finalized (null checksum).
func contentChecksum(msg gateway.Message) string {
	h := fnvHash(fmt.Sprintf("%d|%s|%v", msg.ID, msg.Text, msg.HasMedia))
	return h
}

func shouldDownload(mime string, whitelist []string) bool {
	if len(whitelist) == 0 {
		return true
	}
	for _, w := range whitelist {
		if strings.EqualFold(w, mime) {
			return true
		}
	}
	return false
}

// downloadAndSidecar downloads msg's media into MediaDir/topic_<id>/ (or the
// base dir if topics are disabled / absent), writes its JSON sidecar, and
// appends a row to the CSV download log (spec §6.B).
func (p *Pipeline) downloadAndSidecar(ctx context.Context, gw gateway.TelegramGateway, entity gateway.Entity, msg gateway.Message) error {
	if p.opts.MediaDir == "" {
		return nil
	}

	subdir := p.opts.MediaDir
	if p.opts.ArchiveTopics && msg.TopicID != nil {
		subdir = filepath.Join(p.opts.MediaDir, fmt.Sprintf("topic_%d", *msg.TopicID))
	}

	ext := extensionForMIME(msg.Media.MIME)
	filename := fmt.Sprintf("%d%s", msg.ID, ext)
	destPath := filepath.Join(subdir, filename)

	if err := storage.EnsureDir(destPath); err != nil {
		return gofasterrors.Wrap(err, "ensure media dir")
	}

	savedPath, err := gw.DownloadMedia(ctx, msg, destPath)
	if err != nil {
		return gofasterrors.Wrap(err, "download media")
	}

	if err := writeSidecar(savedPath, msg); err != nil {
		logger.Warnf("archive: write sidecar for %s: %v", savedPath, err)
	}

	info, statErr := os.Stat(savedPath)
	var size int64
	if statErr == nil {
		size = info.Size()
	}
	if p.opts.DownloadLogPath != "" {
		if err := appendDownloadLog(p.opts.DownloadLogPath, savedPath, filename, entity.ID, msg.ID, size, msg.Media.MIME); err != nil {
			logger.Warnf("archive: append download log: %v", err)
		}
	}
	return nil
}

// downloadAvatar saves userID's current profile photo under MediaDir/avatars,
// mirroring sync.py's avatar_<id>.jpg naming, and returns the saved path.
func (p *Pipeline) downloadAvatar(ctx context.Context, gw gateway.TelegramGateway, userID, accessHash int64) (string, error) {
	destPath := filepath.Join(p.opts.MediaDir, "avatars", fmt.Sprintf("avatar_%d.jpg", userID))
	if err := storage.EnsureDir(destPath); err != nil {
		return "", gofasterrors.Wrap(err, "ensure avatar dir")
	}
	saved, err := gw.DownloadAvatar(ctx, userID, accessHash, destPath)
	if err != nil {
		return "", gofasterrors.Wrap(err, "download avatar")
	}
	return saved, nil
}

func extensionForMIME(mime string) string {
	switch {
	case strings.Contains(mime, "jpeg"):
		return ".jpg"
	case strings.Contains(mime, "png"):
		return ".png"
	case strings.Contains(mime, "mp4"):
		return ".mp4"
	case mime == "":
		return ".bin"
	default:
		parts := strings.SplitN(mime, "/", 2)
		if len(parts) == 2 {
			return "." + parts[1]
		}
		return ".bin"
	}
}

// sidecar is the `<file>.<ext>.json` companion spec §6.B describes.
type sidecar struct {
	MsgID          int64  `json:"msgId"`
	Date           string `json:"date"`
	SenderID       *int64 `json:"senderId,omitempty"`
	SenderUsername string `json:"senderUsername,omitempty"`
	ReplyTo        *int64 `json:"replyTo,omitempty"`
	Text           string `json:"text,omitempty"`
	MIME           string `json:"mime,omitempty"`
	TopicID        *int64 `json:"topicId,omitempty"`
}

func writeSidecar(filePath string, msg gateway.Message) error {
	sc := sidecar{
		MsgID:          msg.ID,
		Date:           msg.Date.UTC().Format(time.RFC3339),
		SenderID:       msg.SenderID,
		SenderUsername: msg.SenderUsername,
		ReplyTo:        msg.ReplyTo,
		Text:           msg.Text,
		MIME:           msg.Media.MIME,
		TopicID:        msg.TopicID,
	}
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}
	return storage.AtomicWriteFile(filePath+".json", data)
}

// downloadLogHeader is the fixed CSV header spec §6.B prescribes.
var downloadLogHeader = []string{
	"timestamp", "relativeFilePath", "originalFileName", "channelSourceId",
	"messageId", "fileSizeBytes", "mimeType",
}

func appendDownloadLog(logPath, relPath, originalName string, channelID, messageID, size int64, mime string) error {
	if err := storage.EnsureDir(logPath); err != nil {
		return err
	}

	_, statErr := os.Stat(logPath)
	needsHeader := os.IsNotExist(statErr)

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if needsHeader {
		if err := w.Write(downloadLogHeader); err != nil {
			return err
		}
	}
	row := []string{
		time.Now().UTC().Format(time.RFC3339),
		relPath,
		originalName,
		strconv.FormatInt(channelID, 10),
		strconv.FormatInt(messageID, 10),
		strconv.FormatInt(size, 10),
		mime,
	}
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// fnvHash is a small, dependency-free stable hash used only for the
// integrity checksum (spec §3), not the dedup hash (spec §4.J, which is
// SHA-256 and lives in the forwarder).
func fnvHash(s string) string {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	var h uint64 = offset64
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return strconv.FormatUint(h, 16)
}
