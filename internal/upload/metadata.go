package upload

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
	"google.golang.org/api/youtube/v3"
)

const (
	MaxTitleLength       = 100
	MaxDescriptionLength = 5000

	// CategoryPeopleAndBlogs is the category every upload is filed under.
	CategoryPeopleAndBlogs = "22"
	PrivacyPrivate         = "private"
)

// Metadata is the caller-supplied description of an upload.
type Metadata struct {
	Title       string
	Description string
}

// Normalized returns m with both fields NFC-normalized, trimmed and cut to
// the platform's character limits.
func (m Metadata) Normalized() Metadata {
	return Metadata{
		Title:       clip(m.Title, MaxTitleLength),
		Description: clip(m.Description, MaxDescriptionLength),
	}
}

// video builds the resource body sent with the initiate request. Uploads are
// always private and explicitly not made for kids.
func (m Metadata) video() *youtube.Video {
	n := m.Normalized()
	return &youtube.Video{
		Snippet: &youtube.VideoSnippet{
			Title:       n.Title,
			Description: n.Description,
			CategoryId:  CategoryPeopleAndBlogs,
		},
		Status: &youtube.VideoStatus{
			PrivacyStatus:           PrivacyPrivate,
			SelfDeclaredMadeForKids: false,
			ForceSendFields:         []string{"SelfDeclaredMadeForKids"},
		},
	}
}

func clip(s string, max int) string {
	s = strings.TrimSpace(norm.NFC.String(s))
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
