package telegram

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gotd/td/tg"

	errs "tgingest/pkg/errors"
	"tgingest/pkg/models"
	"tgingest/pkg/storage"
)

// historyMessages extracts the message list from any getHistory response
func historyMessages(res tg.MessagesMessagesClass) ([]tg.MessageClass, error) {
	switch v := res.(type) {
	case *tg.MessagesMessages:
		return v.Messages, nil
	case *tg.MessagesMessagesSlice:
		return v.Messages, nil
	case *tg.MessagesChannelMessages:
		return v.Messages, nil
	case *tg.MessagesMessagesNotModified:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected history response %T", res)
	}
}

// normalize turns one upstream message into a page item
func normalize(channel string, msg tg.MessageClass, ingestedAt time.Time) models.PageItem {
	switch m := msg.(type) {
	case *tg.Message:
		return normalizeMessage(channel, m, ingestedAt)
	case *tg.MessageService:
		rec := models.MessageRecord{
			Channel:    channel,
			MessageID:  int64(m.ID),
			Date:       time.Unix(int64(m.Date), 0).UTC(),
			IngestedAt: ingestedAt,
		}
		item := models.PageItem{Record: rec}
		if m.Date == 0 {
			item.Err = malformed(channel, m.ID, "service message without date")
			return item
		}
		item.Record.Raw = rawJSON(m)
		return item
	default:
		id := 0
		if e, ok := msg.(*tg.MessageEmpty); ok {
			id = e.ID
		}
		return models.PageItem{
			Record: models.MessageRecord{Channel: channel, MessageID: int64(id), IngestedAt: ingestedAt},
			Err:    malformed(channel, id, fmt.Sprintf("unusable message %T", msg)),
		}
	}
}

func normalizeMessage(channel string, m *tg.Message, ingestedAt time.Time) models.PageItem {
	rec := models.MessageRecord{
		Channel:    channel,
		MessageID:  int64(m.ID),
		Date:       time.Unix(int64(m.Date), 0).UTC(),
		IngestedAt: ingestedAt,
	}
	if m.Date == 0 {
		return models.PageItem{Record: rec, Err: malformed(channel, m.ID, "message without date")}
	}

	if m.Message != "" {
		text := m.Message
		rec.Text = &text
	}
	if v, ok := m.GetViews(); ok {
		rec.Views = &v
	}
	if f, ok := m.GetForwards(); ok {
		rec.Forwards = &f
	}

	item := models.PageItem{}
	if media, ok := m.GetMedia(); ok {
		info, ref := describeMedia(channel, m.ID, media)
		if info != nil {
			rec.HasMedia = true
			rec.Media = info
		}
		if ref != nil {
			path := storage.AssetRelPath(channel, int64(m.ID))
			rec.MediaReference = &path
			item.Media = ref
		}
	}

	rec.Raw = rawJSON(m)
	item.Record = rec
	return item
}

// describeMedia summarizes the attachment; only photos yield a downloadable reference
func describeMedia(channel string, msgID int, media tg.MessageMediaClass) (*models.MediaInfo, *models.MediaRef) {
	switch v := media.(type) {
	case *tg.MessageMediaPhoto:
		info := &models.MediaInfo{Kind: models.MediaPhoto, Type: v.TypeName(), MimeType: "image/jpeg"}
		photo, ok := v.Photo.(*tg.Photo)
		if !ok {
			return info, nil
		}
		thumb, size := largestSize(photo.Sizes)
		if thumb == "" {
			return info, nil
		}
		info.Size = int64(size)
		return info, &models.MediaRef{
			Channel:       channel,
			MessageID:     int64(msgID),
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     thumb,
			Size:          int64(size),
		}
	case *tg.MessageMediaDocument:
		info := &models.MediaInfo{Kind: models.MediaDocument, Type: v.TypeName()}
		doc, ok := v.Document.(*tg.Document)
		if !ok {
			return info, nil
		}
		info.MimeType = doc.MimeType
		info.Size = doc.Size
		for _, attr := range doc.Attributes {
			switch a := attr.(type) {
			case *tg.DocumentAttributeVideo:
				info.Kind = models.MediaVideo
				d := float64(a.Duration)
				info.Duration = &d
			case *tg.DocumentAttributeAudio:
				if a.Voice {
					info.Kind = models.MediaVoice
				}
				d := float64(a.Duration)
				info.Duration = &d
			}
		}
		return info, nil
	case *tg.MessageMediaEmpty:
		return nil, nil
	default:
		return &models.MediaInfo{Kind: models.MediaOther, Type: media.TypeName()}, nil
	}
}

// largestSize picks the biggest downloadable rendition of a photo
func largestSize(sizes []tg.PhotoSizeClass) (string, int) {
	var (
		best     string
		bestSize = -1
	)
	for _, s := range sizes {
		var typ string
		var n int
		switch v := s.(type) {
		case *tg.PhotoSize:
			typ, n = v.Type, v.Size
		case *tg.PhotoSizeProgressive:
			if len(v.Sizes) == 0 {
				continue
			}
			typ, n = v.Type, v.Sizes[len(v.Sizes)-1]
		default:
			continue
		}
		if n > bestSize {
			best, bestSize = typ, n
		}
	}
	if bestSize < 0 {
		return "", 0
	}
	return best, bestSize
}

func rawJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func malformed(channel string, id int, msg string) error {
	e := errs.Data("normalize", fmt.Sprintf("message %d: %s", id, msg))
	e.Channel = channel
	return e
}
