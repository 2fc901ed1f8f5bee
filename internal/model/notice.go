package model

// NoticeVariant は通知の表示種別。
type NoticeVariant string

const (
	NoticeDefault     NoticeVariant = "default"
	NoticeDestructive NoticeVariant = "destructive"
)

// Notice はUIにトースト表示される一時的な通知。
// 永続的なエラー状態は持たない。
type Notice struct {
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Variant     NoticeVariant `json:"variant"`
}

// NewInfoNotice は通常の通知を生成する。
func NewInfoNotice(title, description string) Notice {
	return Notice{Title: title, Description: description, Variant: NoticeDefault}
}

// NewErrorNotice はエラー通知を生成する。
func NewErrorNotice(title, description string) Notice {
	return Notice{Title: title, Description: description, Variant: NoticeDestructive}
}
