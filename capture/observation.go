package capture

// HostKey is the host's handle for a live node. Keys are opaque to the
// agent; 0 means "none".
type HostKey uint64

// Attr is one attribute of a serialized host node.
type Attr struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HostNode is an added node serialized by the host together with its
// current subtree. An empty Tag denotes a text node.
type HostNode struct {
	Key       HostKey    `json:"key"`
	Tag       string     `json:"tag,omitempty"`
	Namespace string     `json:"ns,omitempty"`
	Text      string     `json:"text,omitempty"`
	Attrs     []Attr     `json:"attrs,omitempty"`
	Children  []HostNode `json:"children,omitempty"`
}

// Observation is one edit reported by the host. The set of implementations
// is closed: ChildList, AttributeChange, TextChange and StyleSheets.
type Observation interface {
	observation()
}

// ChildList reports nodes added to and removed from Target. Prev and Next
// are the siblings adjacent to the added run.
type ChildList struct {
	Target  HostKey
	Added   []HostNode
	Removed []HostKey
	Prev    HostKey
	Next    HostKey
}

// AttributeChange reports a new attribute value. A nil Value means the
// attribute was removed.
type AttributeChange struct {
	Target HostKey
	Name   string
	Value  *string
}

// TextChange reports new character data of a text node.
type TextChange struct {
	Target HostKey
	Text   string
}

// StyleSheets carries the rule texts of every stylesheet of the document.
// The payload is opaque to the agent.
type StyleSheets struct {
	Sheets [][]string
}

func (ChildList) observation()       {}
func (AttributeChange) observation() {}
func (TextChange) observation()      {}
func (StyleSheets) observation()     {}
