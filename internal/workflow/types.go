package workflow

import (
	"github.com/example/bggone/internal/apperror"
	"github.com/example/bggone/internal/imagedata"
)

// State is the lifecycle position of a session.
type State string

const (
	Idle       State = "idle"
	Processing State = "processing"
	Success    State = "success"
	Error      State = "error"
)

// ImagePair holds the submitted image and, once available, the result.
// ResultMediaType is the type reported by the remover.
type ImagePair struct {
	Original        imagedata.EncodedImage
	Result          *string
	ResultMediaType string
}

// ResultDataURL renders the result for display, as PNG when the remover
// reported no media type.
func (p ImagePair) ResultDataURL() string {
	if p.Result == nil {
		return ""
	}
	return imagedata.DataURL(*p.Result, p.ResultMediaType)
}

// ErrorInfo is the failure shown in the Error state.
type ErrorInfo struct {
	Kind    apperror.Kind
	Message string
	Details string
}

// Snapshot is a read-only observation of a session. Seq increases with
// every change so observers can drop out-of-order deliveries.
type Snapshot struct {
	SessionID  string
	State      State
	Images     ImagePair
	Error      *ErrorInfo
	Validation string
	Generation uint64
	Seq        uint64
}
