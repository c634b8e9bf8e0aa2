package webchat

// Selectors maps the logical elements of the web client to CSS
// selectors. The defaults match the reference deployment; per-site
// differences come in through SelectorOverrides.
type Selectors struct {
	LoginUsername string
	LoginPassword string
	LoginSubmit   string
	// ChatReady appears only once the session is authenticated.
	ChatReady string

	MessageList string
	Composer    string
	SendButton  string

	ConversationList string
}

// DefaultSelectors returns the selector set for the reference web
// client.
func DefaultSelectors() Selectors {
	return Selectors{
		LoginUsername:    "#login-username",
		LoginPassword:    "#login-password",
		LoginSubmit:      "#login-submit",
		ChatReady:        ".chat-container",
		MessageList:      ".message-list",
		Composer:         ".composer-input",
		SendButton:       ".composer-send",
		ConversationList: ".conversation-list",
	}
}

// Merge returns a copy with any non-empty overrides applied. Unknown
// keys are ignored.
func (s Selectors) Merge(overrides map[string]string) Selectors {
	fields := map[string]*string{
		"loginUsername":    &s.LoginUsername,
		"loginPassword":    &s.LoginPassword,
		"loginSubmit":      &s.LoginSubmit,
		"chatReady":        &s.ChatReady,
		"messageList":      &s.MessageList,
		"composer":         &s.Composer,
		"sendButton":       &s.SendButton,
		"conversationList": &s.ConversationList,
	}
	for key, value := range overrides {
		if field, ok := fields[key]; ok && value != "" {
			*field = value
		}
	}
	return s
}
