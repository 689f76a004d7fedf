package app

import "errors"

var (
	// ErrInvalidCredentials is returned when the supplied credentials do not match.
	// Shown to end users; must not enable account enumeration.
	ErrInvalidCredentials = errors.New("Incorrect email address or password")

	// ErrUnknownEmail distinguishes a missing account from a bad
	// password on login.
	ErrUnknownEmail = errors.New("no account for this email address")

	ErrEmailAndPasswordRequired = errors.New("email and password required")
	ErrEmailAlreadyExists       = errors.New("email already exists")

	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrEmptyFile           = errors.New("empty file")
	ErrFileTooLarge        = errors.New("file exceeds the upload size limit")
	ErrDocumentNotFound    = errors.New("document not found")
	ErrDocumentNotReady    = errors.New("document is still being processed")

	ErrNoConversations      = errors.New("no conversations found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrTitleRequired        = errors.New("title required")
	ErrMessageRequired      = errors.New("message required")
)
