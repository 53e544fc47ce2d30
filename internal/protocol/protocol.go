// Package protocol defines the messages exchanged between the session
// orchestrator and the encoder runtime. Each direction is a closed set of
// types; receivers switch on the concrete type and treat anything else as a
// protocol violation.
package protocol

import (
	"github.com/andresmejia3/livematch/internal/embedding"
	"github.com/andresmejia3/livematch/internal/score"
)

// Kind is the wire tag of a message.
type Kind string

const (
	KindLoad        Kind = "load"
	KindProgress    Kind = "progress"
	KindReady       Kind = "ready"
	KindInfer       Kind = "infer"
	KindResult      Kind = "result"
	KindEncodeText  Kind = "encode_text"
	KindTextResult  Kind = "text_result"
	KindScoreBatch  Kind = "score_batch"
	KindBatchResult Kind = "batch_result"
	KindError       Kind = "error"
)

// Request is a message sent to the encoder runtime.
type Request interface {
	Kind() Kind
	request()
}

// Response is a message emitted by the encoder runtime.
type Response interface {
	Kind() Kind
	response()
}

// Load asks the runtime to load its models.
type Load struct{}

// Infer asks for the embedding of a square RGBA frame. The sender hands
// Pixels over to the runtime and must not touch the buffer afterwards.
type Infer struct {
	Seq    uint64
	Pixels []byte
	Width  int
	Height int
}

// EncodeText asks for one text scored against the current image embedding.
type EncodeText struct {
	ID   string
	Text string
}

// ScoreBatch asks for many texts scored against the current image embedding.
type ScoreBatch struct {
	Texts []string
}

func (Load) Kind() Kind       { return KindLoad }
func (Infer) Kind() Kind      { return KindInfer }
func (EncodeText) Kind() Kind { return KindEncodeText }
func (ScoreBatch) Kind() Kind { return KindScoreBatch }

func (Load) request()       {}
func (Infer) request()      {}
func (EncodeText) request() {}
func (ScoreBatch) request() {}

// Progress reports a model loading stage.
type Progress struct {
	Stage   string
	Percent int
}

// Ready signals that every model is loaded.
type Ready struct{}

// Result carries a fresh image embedding.
type Result struct {
	Seq       uint64
	Embedding embedding.Embedding
}

// TextResult answers an EncodeText request.
type TextResult struct {
	ID string
	score.Result
}

// BatchResult answers a ScoreBatch request, in request order.
type BatchResult struct {
	Results []score.Result
}

// Error reports a failed request. Op names the request kind that failed;
// Seq is set when the failed request was an Infer.
type Error struct {
	Op      Kind
	Seq     uint64
	ID      string
	Message string
}

func (Progress) Kind() Kind    { return KindProgress }
func (Ready) Kind() Kind       { return KindReady }
func (Result) Kind() Kind      { return KindResult }
func (TextResult) Kind() Kind  { return KindTextResult }
func (BatchResult) Kind() Kind { return KindBatchResult }
func (Error) Kind() Kind       { return KindError }

func (Progress) response()    {}
func (Ready) response()       {}
func (Result) response()      {}
func (TextResult) response()  {}
func (BatchResult) response() {}
func (Error) response()       {}
