package model

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MessageType 消息类型
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeVideo    MessageType = "video"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeFile     MessageType = "file"
	MessageTypeLocation MessageType = "location"
	MessageTypeContact  MessageType = "contact"
	MessageTypeSticker  MessageType = "sticker"
	MessageTypeSystem   MessageType = "system"
)

const (
	// MaxTextLength 文本消息最大字符数
	MaxTextLength = 10000
	// PreviewLength 通知预览最大字符数
	PreviewLength = 100
)

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrContentMismatch    = errors.New("content does not match message type")
	ErrEmptyContent       = errors.New("content is empty")
)

// TextContent 文本
type TextContent struct {
	Text string `json:"text"`
}

// MediaContent 图片、视频、音频
type MediaContent struct {
	URL       string  `json:"url"`
	Thumbnail string  `json:"thumbnail,omitempty"`
	MimeType  string  `json:"mimeType,omitempty"`
	Size      int64   `json:"size,omitempty"`
	Width     int     `json:"width,omitempty"`
	Height    int     `json:"height,omitempty"`
	Duration  float64 `json:"duration,omitempty"` // 秒
	Caption   string  `json:"caption,omitempty"`
}

// FileContent 文件
type FileContent struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// LocationContent 位置
type LocationContent struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
}

// ContactContent 名片
type ContactContent struct {
	Name   string `json:"name"`
	Phone  string `json:"phone,omitempty"`
	Email  string `json:"email,omitempty"`
	UserId int64  `json:"userId,omitempty"`
}

// StickerContent 表情贴纸
type StickerContent struct {
	StickerID string `json:"stickerId"`
	URL       string `json:"url,omitempty"`
}

// SystemContent 系统提示
type SystemContent struct {
	Event string `json:"event"`
	Text  string `json:"text"`
}

// Content 消息内容，按消息类型有且仅有一个变体非空
type Content struct {
	Text     *TextContent     `json:"text,omitempty"`
	Image    *MediaContent    `json:"image,omitempty"`
	Video    *MediaContent    `json:"video,omitempty"`
	Audio    *MediaContent    `json:"audio,omitempty"`
	File     *FileContent     `json:"file,omitempty"`
	Location *LocationContent `json:"location,omitempty"`
	Contact  *ContactContent  `json:"contact,omitempty"`
	Sticker  *StickerContent  `json:"sticker,omitempty"`
	System   *SystemContent   `json:"system,omitempty"`
}

func NewTextContent(text string) Content {
	return Content{Text: &TextContent{Text: text}}
}

func NewImageContent(m MediaContent) Content {
	return Content{Image: &m}
}

func NewVideoContent(m MediaContent) Content {
	return Content{Video: &m}
}

func NewAudioContent(m MediaContent) Content {
	return Content{Audio: &m}
}

func NewFileContent(f FileContent) Content {
	return Content{File: &f}
}

func NewLocationContent(lat, lng float64, address string) Content {
	return Content{Location: &LocationContent{Latitude: lat, Longitude: lng, Address: address}}
}

func NewContactContent(c ContactContent) Content {
	return Content{Contact: &c}
}

func NewStickerContent(stickerID, url string) Content {
	return Content{Sticker: &StickerContent{StickerID: stickerID, URL: url}}
}

func NewSystemContent(event, text string) Content {
	return Content{System: &SystemContent{Event: event, Text: text}}
}

// variants 返回非空变体对应的类型
func (c Content) variants() []MessageType {
	var types []MessageType
	if c.Text != nil {
		types = append(types, MessageTypeText)
	}
	if c.Image != nil {
		types = append(types, MessageTypeImage)
	}
	if c.Video != nil {
		types = append(types, MessageTypeVideo)
	}
	if c.Audio != nil {
		types = append(types, MessageTypeAudio)
	}
	if c.File != nil {
		types = append(types, MessageTypeFile)
	}
	if c.Location != nil {
		types = append(types, MessageTypeLocation)
	}
	if c.Contact != nil {
		types = append(types, MessageTypeContact)
	}
	if c.Sticker != nil {
		types = append(types, MessageTypeSticker)
	}
	if c.System != nil {
		types = append(types, MessageTypeSystem)
	}
	return types
}

// Validate 校验内容与类型匹配且字段完整
func (c Content) Validate(t MessageType) error {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeAudio, MessageTypeFile,
		MessageTypeLocation, MessageTypeContact, MessageTypeSticker, MessageTypeSystem:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, t)
	}

	variants := c.variants()
	if len(variants) != 1 || variants[0] != t {
		return fmt.Errorf("%w: type %s, variants %v", ErrContentMismatch, t, variants)
	}

	switch t {
	case MessageTypeText:
		text := strings.TrimSpace(c.Text.Text)
		if text == "" {
			return ErrEmptyContent
		}
		if utf8.RuneCountInString(c.Text.Text) > MaxTextLength {
			return fmt.Errorf("text exceeds %d characters", MaxTextLength)
		}
	case MessageTypeImage:
		return validateMedia(c.Image)
	case MessageTypeVideo:
		return validateMedia(c.Video)
	case MessageTypeAudio:
		return validateMedia(c.Audio)
	case MessageTypeFile:
		if c.File.URL == "" || c.File.Name == "" {
			return ErrEmptyContent
		}
		if c.File.Size < 0 {
			return errors.New("file size is negative")
		}
	case MessageTypeLocation:
		if c.Location.Latitude < -90 || c.Location.Latitude > 90 ||
			c.Location.Longitude < -180 || c.Location.Longitude > 180 {
			return errors.New("coordinates out of range")
		}
	case MessageTypeContact:
		if strings.TrimSpace(c.Contact.Name) == "" {
			return ErrEmptyContent
		}
		if c.Contact.Phone == "" && c.Contact.Email == "" && c.Contact.UserId == 0 {
			return errors.New("contact has no reachable field")
		}
	case MessageTypeSticker:
		if c.Sticker.StickerID == "" {
			return ErrEmptyContent
		}
	case MessageTypeSystem:
		if c.System.Text == "" {
			return ErrEmptyContent
		}
	}
	return nil
}

func validateMedia(m *MediaContent) error {
	if m.URL == "" {
		return ErrEmptyContent
	}
	if m.Size < 0 || m.Width < 0 || m.Height < 0 || m.Duration < 0 {
		return errors.New("media dimensions are negative")
	}
	return nil
}

// Preview 生成通知预览
func (c Content) Preview(t MessageType) string {
	switch t {
	case MessageTypeText:
		if c.Text != nil {
			return truncate(c.Text.Text, PreviewLength)
		}
	case MessageTypeImage:
		return withCaption("📷 Photo", c.Image)
	case MessageTypeVideo:
		return withCaption("🎥 Video", c.Video)
	case MessageTypeAudio:
		return "🎵 Audio"
	case MessageTypeFile:
		if c.File != nil {
			return "📎 " + truncate(c.File.Name, PreviewLength)
		}
	case MessageTypeLocation:
		return "📍 Location"
	case MessageTypeContact:
		if c.Contact != nil {
			return "👤 " + c.Contact.Name
		}
	case MessageTypeSticker:
		return "Sticker"
	case MessageTypeSystem:
		if c.System != nil {
			return truncate(c.System.Text, PreviewLength)
		}
	}
	return ""
}

// SearchText 返回参与全文检索的文本
func (c Content) SearchText() string {
	switch {
	case c.Text != nil:
		return c.Text.Text
	case c.Image != nil:
		return c.Image.Caption
	case c.Video != nil:
		return c.Video.Caption
	case c.File != nil:
		return c.File.Name
	case c.Location != nil:
		return c.Location.Address
	case c.Contact != nil:
		return c.Contact.Name
	}
	return ""
}

func withCaption(label string, m *MediaContent) string {
	if m != nil && m.Caption != "" {
		return label + ": " + truncate(m.Caption, PreviewLength)
	}
	return label
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

// Clone 深拷贝
func (c Content) Clone() Content {
	var cp Content
	if c.Text != nil {
		v := *c.Text
		cp.Text = &v
	}
	if c.Image != nil {
		v := *c.Image
		cp.Image = &v
	}
	if c.Video != nil {
		v := *c.Video
		cp.Video = &v
	}
	if c.Audio != nil {
		v := *c.Audio
		cp.Audio = &v
	}
	if c.File != nil {
		v := *c.File
		cp.File = &v
	}
	if c.Location != nil {
		v := *c.Location
		cp.Location = &v
	}
	if c.Contact != nil {
		v := *c.Contact
		cp.Contact = &v
	}
	if c.Sticker != nil {
		v := *c.Sticker
		cp.Sticker = &v
	}
	if c.System != nil {
		v := *c.System
		cp.System = &v
	}
	return cp
}
