package models

import (
	"io"
	"strings"
)

// Attachment references an uploaded blob carried by a message.
type Attachment struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
}

// Upload is a file selected for sending. Size is the byte count reported by
// the picker, Content streams the bytes.
type Upload struct {
	Name        string
	ContentType string
	Size        int64
	Content     io.Reader
}

// AccessPolicy lists the principals allowed to read and write a blob.
type AccessPolicy struct {
	Read  []string `json:"read"`
	Write []string `json:"write"`
}

// PolicyAuthenticatedUsers grants read and write to any signed-in user.
var PolicyAuthenticatedUsers = AccessPolicy{
	Read:  []string{"users"},
	Write: []string{"users"},
}

func (p AccessPolicy) String() string {
	parts := make([]string, 0, len(p.Read)+len(p.Write))
	for _, r := range p.Read {
		parts = append(parts, `read("`+r+`")`)
	}
	for _, w := range p.Write {
		parts = append(parts, `write("`+w+`")`)
	}
	return strings.Join(parts, ",")
}
