// Package messages stores the ordered message log of each conversation and links
// uploaded files to messages.
package messages

import "time"

// Message is an immutable entry in a conversation. Seq increases strictly per conversation
// and follows the (CreatedAt, ID) order.
type Message struct {
	ID             string       `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	ConversationID string       `gorm:"column:conversation_id;size:190;not null;uniqueIndex:idx_messages_conversation_seq,priority:1" json:"conversation_id"`
	Seq            int64        `gorm:"column:seq;not null;uniqueIndex:idx_messages_conversation_seq,priority:2" json:"seq"`
	SenderID       string       `gorm:"column:sender_id;size:190;not null" json:"sender_id"`
	Text           string       `gorm:"column:text;type:text;not null" json:"text"`
	CreatedAt      time.Time    `gorm:"column:created_at;not null" json:"created_at"`
	Attachments    []Attachment `gorm:"-" json:"attachments"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// Attachment is the metadata of a blob linked to a message. FilePath is the object-store key.
type Attachment struct {
	ID            string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	MessageID     string    `gorm:"column:message_id;size:190;not null;index:idx_attachments_message" json:"message_id"`
	FilePath      string    `gorm:"column:file_path;size:512;not null;uniqueIndex:idx_attachments_file_path" json:"-"`
	FileName      string    `gorm:"column:file_name;size:255;not null" json:"file_name"`
	MimeType      string    `gorm:"column:mime_type;size:190;not null" json:"mime_type"`
	FileSizeBytes int64     `gorm:"column:file_size_bytes;not null" json:"file_size_bytes"`
	UploaderID    string    `gorm:"column:uploader_id;size:190;not null" json:"uploader_id"`
	CreatedAt     time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Attachment) TableName() string {
	return "attachments"
}

// AttachmentRef names an already uploaded blob to link while appending a message.
type AttachmentRef struct {
	Key       string `json:"key"`
	FileName  string `json:"file_name"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

// AppendInput describes a new message.
type AppendInput struct {
	ConversationID string
	SenderID       string
	Text           string
	Attachments    []AttachmentRef
}
