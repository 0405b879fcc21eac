// Package telegram adapts the remote.Client contract to the Telegram Bot
// API via github.com/mymmrac/telego, the same library the teacher uses for
// its Telegram channel. The Telegram Bot API is the concrete stand-in for
// the "authenticated MTProto-like transport" of spec.md §6: a bot's own
// chat with itself serves as the self-chat scratch area, GetFile/download
// maps onto download_media_small / stream_media, and SendMediaGroup maps
// onto send_media_group.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/vanducng/mediarelay/internal/remote"
	"github.com/vanducng/mediarelay/pkg/protocol"
)

// Client wraps one telego.Bot as a remote.Client. It is not safe for
// concurrent calls — the session pool's lease enforces that.
type Client struct {
	bot  *telego.Bot
	self remote.SelfIdentity
}

// New constructs an unconnected Client.
func New() *Client {
	return &Client{}
}

func (c *Client) Connect(ctx context.Context, artifact []byte) error {
	token := string(artifact)
	if token == "" {
		return fmt.Errorf("telegram: empty auth artifact")
	}
	bot, err := telego.NewBot(token)
	if err != nil {
		return fmt.Errorf("telegram: create bot: %w", err)
	}
	c.bot = bot

	me, err := bot.GetMe(ctx)
	if err != nil {
		return classifyErr(err)
	}
	c.self = remote.SelfIdentity{
		ID:   strconv.FormatInt(me.ID, 10),
		Name: me.Username,
		// Bot accounts never carry Telegram Premium; they always get the
		// normal (non-Premium) caption cap.
		IsPremium: false,
	}
	return nil
}

func (c *Client) Disconnect(context.Context) error {
	c.bot = nil
	return nil
}

func (c *Client) SelfIdentity(context.Context) (remote.SelfIdentity, error) {
	return c.self, nil
}

// FetchMessages has no Bot-API equivalent: the Bot API exposes no by-id
// history read, only a live update stream. A full MTProto client (out of
// scope per spec.md §6) would implement this directly; this adapter
// surfaces the gap rather than faking it. See DESIGN.md.
func (c *Client) FetchMessages(ctx context.Context, channel string, ids []int64) ([]protocol.Message, error) {
	return nil, fmt.Errorf("telegram: FetchMessages requires an MTProto-capable client; bot API has no by-id history read")
}

func (c *Client) DownloadMediaSmall(ctx context.Context, msg protocol.Message) ([]byte, error) {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: msg.MediaRef})
	if err != nil {
		return nil, classifyErr(err)
	}
	resp, err := c.fetchFile(ctx, file.FilePath)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *Client) StreamMedia(ctx context.Context, msg protocol.Message) (func() ([]byte, bool, error), func(), error) {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: msg.MediaRef})
	if err != nil {
		return nil, nil, classifyErr(err)
	}
	resp, err := c.fetchFile(ctx, file.FilePath)
	if err != nil {
		return nil, nil, err
	}
	const chunkSize = 256 * 1024
	buf := make([]byte, chunkSize)
	next := func() ([]byte, bool, error) {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if rerr != nil && rerr != io.EOF {
				return chunk, false, rerr
			}
			return chunk, true, nil
		}
		if rerr == io.EOF {
			return nil, false, nil
		}
		return nil, false, rerr
	}
	cancel := func() { resp.Body.Close() }
	return next, cancel, nil
}

func (c *Client) fetchFile(ctx context.Context, filePath string) (*http.Response, error) {
	url := c.bot.FileDownloadURL(filePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: download: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("telegram: download status %d", resp.StatusCode)
	}
	return resp, nil
}

func (c *Client) SendMedia(ctx context.Context, dest string, kind protocol.MediaKind, mediaSource []byte, fileName, caption string) (remote.SentMessage, error) {
	input := tu.File(tu.NameReader(bytes.NewReader(mediaSource), fileName))
	msg, mediaRef, err := c.sendByKind(ctx, dest, kind, input, caption)
	if err != nil {
		return remote.SentMessage{}, classifyErr(err)
	}
	return remote.SentMessage{RemoteMsgID: int64(msg.MessageID), MediaRef: mediaRef}, nil
}

func (c *Client) SendMediaByRef(ctx context.Context, dest string, kind protocol.MediaKind, mediaRef, caption string) (remote.SentMessage, error) {
	input := tu.FileFromID(mediaRef)
	msg, newRef, err := c.sendByKind(ctx, dest, kind, input, caption)
	if err != nil {
		return remote.SentMessage{}, classifyErr(err)
	}
	return remote.SentMessage{RemoteMsgID: int64(msg.MessageID), MediaRef: newRef}, nil
}

// sendByKind dispatches to the per-kind telego Send* method, matching
// spec.md §4.1/§4.7's "per-kind send primitive" contract. It returns the
// kind-specific media ref from the response so repeated SendMediaByRef
// calls don't need to re-resolve it.
func (c *Client) sendByKind(ctx context.Context, dest string, kind protocol.MediaKind, input telego.InputFile, caption string) (*telego.Message, string, error) {
	chatID := telego.ChatID{ID: chatIntID(dest)}
	switch kind {
	case protocol.MediaPhoto:
		m, err := c.bot.SendPhoto(ctx, &telego.SendPhotoParams{ChatID: chatID, Photo: input, Caption: caption})
		if err != nil || len(m.Photo) == 0 {
			return m, "", err
		}
		return m, m.Photo[len(m.Photo)-1].FileID, nil
	case protocol.MediaVideo:
		m, err := c.bot.SendVideo(ctx, &telego.SendVideoParams{ChatID: chatID, Video: input, Caption: caption})
		if err != nil || m.Video == nil {
			return m, "", err
		}
		return m, m.Video.FileID, nil
	case protocol.MediaAudio:
		m, err := c.bot.SendAudio(ctx, &telego.SendAudioParams{ChatID: chatID, Audio: input, Caption: caption})
		if err != nil || m.Audio == nil {
			return m, "", err
		}
		return m, m.Audio.FileID, nil
	case protocol.MediaVoice:
		m, err := c.bot.SendVoice(ctx, &telego.SendVoiceParams{ChatID: chatID, Voice: input, Caption: caption})
		if err != nil || m.Voice == nil {
			return m, "", err
		}
		return m, m.Voice.FileID, nil
	case protocol.MediaVideoNote:
		m, err := c.bot.SendVideoNote(ctx, &telego.SendVideoNoteParams{ChatID: chatID, VideoNote: input})
		if err != nil || m.VideoNote == nil {
			return m, "", err
		}
		return m, m.VideoNote.FileID, nil
	case protocol.MediaAnimation:
		m, err := c.bot.SendAnimation(ctx, &telego.SendAnimationParams{ChatID: chatID, Animation: input, Caption: caption})
		if err != nil || m.Animation == nil {
			return m, "", err
		}
		return m, m.Animation.FileID, nil
	case protocol.MediaDocument:
		m, err := c.bot.SendDocument(ctx, &telego.SendDocumentParams{ChatID: chatID, Document: input, Caption: caption})
		if err != nil || m.Document == nil {
			return m, "", err
		}
		return m, m.Document.FileID, nil
	default:
		return nil, "", fmt.Errorf("telegram: unsupported media kind %v", kind)
	}
}

func (c *Client) SendMediaGroup(ctx context.Context, dest string, items []remote.GroupItem, caption string) ([]remote.SentMessage, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("telegram: empty media group")
	}
	if len(items) > protocol.MaxBatchSize {
		return nil, fmt.Errorf("telegram: media group exceeds cap of %d", protocol.MaxBatchSize)
	}
	medias := make([]telego.InputMedia, 0, len(items))
	for i, it := range items {
		itemCaption := ""
		if i == 0 {
			itemCaption = caption
		}
		media, err := buildGroupMedia(it.Kind, it.MediaRef, itemCaption)
		if err != nil {
			return nil, err
		}
		medias = append(medias, media)
	}
	msgs, err := c.bot.SendMediaGroup(ctx, &telego.SendMediaGroupParams{
		ChatID: telego.ChatID{ID: chatIntID(dest)},
		Media:  medias,
	})
	if err != nil {
		return nil, classifyErr(err)
	}
	out := make([]remote.SentMessage, 0, len(msgs))
	for i, m := range msgs {
		out = append(out, remote.SentMessage{RemoteMsgID: int64(m.MessageID), MediaRef: items[i].MediaRef})
	}
	return out, nil
}

func buildGroupMedia(kind protocol.MediaKind, mediaRef, caption string) (telego.InputMedia, error) {
	input := tu.FileFromID(mediaRef)
	switch kind {
	case protocol.MediaPhoto:
		return &telego.InputMediaPhoto{Type: telego.MediaTypePhoto, Media: input, Caption: caption}, nil
	case protocol.MediaVideo:
		return &telego.InputMediaVideo{Type: telego.MediaTypeVideo, Media: input, Caption: caption}, nil
	case protocol.MediaDocument:
		return &telego.InputMediaDocument{Type: telego.MediaTypeDocument, Media: input, Caption: caption}, nil
	case protocol.MediaAudio:
		return &telego.InputMediaAudio{Type: telego.MediaTypeAudio, Media: input, Caption: caption}, nil
	default:
		return nil, fmt.Errorf("telegram: media kind %v cannot batch", kind)
	}
}

func (c *Client) DeleteMessages(ctx context.Context, chat string, ids []int64) error {
	intIDs := make([]int, 0, len(ids))
	for _, id := range ids {
		intIDs = append(intIDs, int(id))
	}
	err := c.bot.DeleteMessages(ctx, &telego.DeleteMessagesParams{
		ChatID:     telego.ChatID{ID: chatIntID(chat)},
		MessageIDs: intIDs,
	})
	if err != nil {
		return classifyErr(err)
	}
	return nil
}

// chatIntID parses a channel/chat reference ("-10012345" or "12345") into
// the numeric chat id the Bot API expects. Non-numeric refs (e.g.
// "@channel") parse to 0; nothing in this module resolves them.
func chatIntID(ref string) int64 {
	id, _ := strconv.ParseInt(ref, 10, 64)
	return id
}

// classifyErr translates telego's error surface into the typed sentinels
// of internal/remote.client.go. Telego surfaces flood waits as a
// telego.APIError with ErrorCode 429 and RetryAfter on ResponseParameters.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	apiErr, ok := err.(*telego.APIError)
	if !ok {
		return fmt.Errorf("telegram: %w", err)
	}
	if apiErr.ErrorCode == http.StatusTooManyRequests && apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
		return &remote.FloodWaitError{Seconds: apiErr.Parameters.RetryAfter}
	}
	switch apiErr.ErrorCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return remote.ErrUnauthorized
	case http.StatusBadRequest:
		if looksLikeChannelPrivate(apiErr.Description) {
			return remote.ErrChannelPrivate
		}
	}
	return fmt.Errorf("telegram api error %d: %s", apiErr.ErrorCode, apiErr.Description)
}

func looksLikeChannelPrivate(desc string) bool {
	s := strings.ToLower(desc)
	for _, needle := range []string{"chat not found", "bot was kicked", "not enough rights"} {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
