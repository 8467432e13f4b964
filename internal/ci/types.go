package ci

// Wire shapes for the CI server's JSON API. Only the fields the
// dashboard consumes are declared.

type buildList struct {
	Builds []wireBuild `json:"builds"`
}

type wireBuild struct {
	Number      int          `json:"number"`
	URL         string       `json:"url"`
	DisplayName string       `json:"displayName"`
	Result      string       `json:"result"`
	Timestamp   int64        `json:"timestamp"`
	Duration    int64        `json:"duration"`
	Building    bool         `json:"building"`
	Actions     []wireAction `json:"actions"`
	Artifacts   []Artifact   `json:"artifacts"`
	ChangeSets  []changeSet  `json:"changeSets"`
}

type wireAction struct {
	Parameters []wireParameter `json:"parameters"`
}

type wireParameter struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

type changeSet struct {
	Items []changeSetItem `json:"items"`
}

type changeSetItem struct {
	Msg       string     `json:"msg"`
	Timestamp int64      `json:"timestamp"`
	Author    wireAuthor `json:"author"`
}

type wireAuthor struct {
	FullName string `json:"fullName"`
}

// Artifact is one archived build artifact.
type Artifact struct {
	FileName     string `json:"fileName"`
	RelativePath string `json:"relativePath"`
}

type wireQueue struct {
	Items []queueWireItem `json:"items"`
}

type queueWireItem struct {
	Task    queueTask    `json:"task"`
	Actions []wireAction `json:"actions"`
}

type queueTask struct {
	Name string `json:"name"`
}

type lastBuild struct {
	Number int `json:"number"`
}

type buildStatus struct {
	Result    string `json:"result"`
	Building  bool   `json:"building"`
	Timestamp int64  `json:"timestamp"`
	Duration  int64  `json:"duration"`
}

// QueueItem is one pending entry in the CI build queue.
type QueueItem struct {
	Job       string `json:"job"`
	Branch    string `json:"branch"`
	BuildType string `json:"buildType"`
}

// BuildRef identifies one build for a status poll.
type BuildRef struct {
	Job    string
	Number int
}

// BuildState is the outcome of a status poll for one build.
type BuildState struct {
	Result    string
	Building  bool
	Timestamp int64
	Duration  int64
}
