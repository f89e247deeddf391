package diff

// Payload is one structured edit. Exactly one variant is active per call.
type Payload interface {
	Target() string
	isPayload()
}

// ContentPayload writes the whole file.
type ContentPayload struct {
	Path      string
	Content   string
	Overwrite bool
}

// Replacement swaps Old for New. Old must occur exactly once.
type Replacement struct {
	Old string `json:"old_text"`
	New string `json:"new_text"`
}

// ReplacementsPayload applies replacements in order; each one sees the
// effect of the previous ones.
type ReplacementsPayload struct {
	Path         string
	Replacements []Replacement
}

// DeleteSnippetPayload removes a snippet that occurs exactly once.
type DeleteSnippetPayload struct {
	Path    string
	Snippet string
}

func (p ContentPayload) Target() string       { return p.Path }
func (p ReplacementsPayload) Target() string  { return p.Path }
func (p DeleteSnippetPayload) Target() string { return p.Path }

func (ContentPayload) isPayload()       {}
func (ReplacementsPayload) isPayload()  {}
func (DeleteSnippetPayload) isPayload() {}
