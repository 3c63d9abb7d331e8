package works

const (
	ContentText           = "text"
	ContentButtonTemplate = "button_template"
	ActionURI             = "uri"
)

// Content is the message body accepted by the bot message endpoints.
type Content struct {
	Type        string   `json:"type"`
	Text        string   `json:"text,omitempty"`
	ContentText string   `json:"contentText,omitempty"`
	Actions     []Action `json:"actions,omitempty"`
}

type Action struct {
	Type  string `json:"type"`
	Label string `json:"label"`
	URI   string `json:"uri,omitempty"`
}

func TextContent(text string) Content {
	return Content{Type: ContentText, Text: text}
}

func ButtonTemplate(text string, actions ...Action) Content {
	return Content{Type: ContentButtonTemplate, ContentText: text, Actions: actions}
}

func URIAction(label, uri string) Action {
	return Action{Type: ActionURI, Label: label, URI: uri}
}
