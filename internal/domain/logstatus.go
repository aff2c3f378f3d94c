package domain

import (
	"fmt"
	"strings"
)

// LogStatus is the closed set of tags stored on log entries.
type LogStatus string

const (
	LogStarted    LogStatus = "started"
	LogInit       LogStatus = "init"
	LogNavigate   LogStatus = "navigate"
	LogUpload     LogStatus = "upload"
	LogUploading  LogStatus = "uploading"
	LogProcessing LogStatus = "processing"
	LogCover      LogStatus = "cover"
	LogTitle      LogStatus = "title"
	LogContent    LogStatus = "content"
	LogFilling    LogStatus = "filling"
	LogTags       LogStatus = "tags"
	LogLocation   LogStatus = "location"
	LogPublish    LogStatus = "publish"
	LogPublishing LogStatus = "publishing"
	LogWaiting    LogStatus = "waiting"
	LogSuccess    LogStatus = "success"
	LogFailed     LogStatus = "failed"

	// Lifecycle tags written by the scheduler itself.
	LogQueued    LogStatus = "queued"
	LogRequeued  LogStatus = "requeued"
	LogCancelled LogStatus = "cancelled"
)

var knownLogStatus = map[LogStatus]struct{}{
	LogStarted: {}, LogInit: {}, LogNavigate: {}, LogUpload: {}, LogUploading: {},
	LogProcessing: {}, LogCover: {}, LogTitle: {}, LogContent: {}, LogFilling: {},
	LogTags: {}, LogLocation: {}, LogPublish: {}, LogPublishing: {}, LogWaiting: {},
	LogSuccess: {}, LogFailed: {}, LogQueued: {}, LogRequeued: {}, LogCancelled: {},
}

// stepAliases maps publisher step names onto the closed set.
var stepAliases = map[string]LogStatus{
	"switch_tab": LogNavigate,
	"verify":     LogProcessing,
	"retry":      LogProcessing,
	"fill":       LogFilling,
	"error":      LogFailed,
}

func (s LogStatus) Known() bool {
	_, ok := knownLogStatus[s]
	return ok
}

// Step is a publisher progress step classified against the closed set.
// Other holds the original label when the step is not recognised.
type Step struct {
	Status LogStatus
	Other  string
}

func (s Step) IsOther() bool { return s.Other != "" }

// ParseStep classifies a raw step name. Unknown names become an Other step
// stored as processing.
func ParseStep(raw string) Step {
	name := strings.ToLower(strings.TrimSpace(raw))
	if st, ok := stepAliases[name]; ok {
		return Step{Status: st}
	}
	if st := LogStatus(name); st.Known() {
		return Step{Status: st}
	}
	label := strings.TrimSpace(raw)
	if label == "" {
		label = "unknown"
	}
	return Step{Status: LogProcessing, Other: label}
}

// Message returns the text to store with this step. Other steps keep their
// original label in the message.
func (s Step) Message(msg string) string {
	if !s.IsOther() {
		return msg
	}
	return fmt.Sprintf("[%s] %s", s.Other, msg)
}
