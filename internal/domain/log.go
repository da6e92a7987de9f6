package domain

// LogSection identifies the build phase a log line belongs to.
type LogSection string

const (
	SectionNone        LogSection = ""
	SectionFetchSource LogSection = "fetchsource"
	SectionBuild       LogSection = "build"
	SectionPush        LogSection = "push"
	SectionDone        LogSection = "done"
	SectionError       LogSection = "error"
	SectionHeader      LogSection = "header"
	SectionFooter      LogSection = "footer"
)

// LogType classifies the shape of a log line.
type LogType string

const (
	TypePlain         LogType = "plain"
	TypeSectionHeader LogType = "section-header"
	TypeStepStatus    LogType = "step-status"
	TypeSeparator     LogType = "separator"
	TypeLinebreak     LogType = "linebreak"
	TypeAsciiArt      LogType = "ascii-art"
)

// LogRecord is one classified line of build output. All derived fields are
// pure functions of Raw and the section context carried between lines.
type LogRecord struct {
	Raw     string     `json:"-"`
	Text    string     `json:"text"`
	Step    *int       `json:"step,omitempty"`
	StepID  string     `json:"step_id,omitempty"`
	Section LogSection `json:"section,omitempty"`
	Type    LogType    `json:"type"`
}
