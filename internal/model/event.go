package model

// Source identifies where an ErrorEvent originated.
type Source int

const (
	SourceTransport Source = iota
	SourceServer
	SourceDecode
	SourceEncode
	SourceObserver
)

func (s Source) String() string {
	switch s {
	case SourceTransport:
		return "transport"
	case SourceServer:
		return "server"
	case SourceDecode:
		return "decode"
	case SourceEncode:
		return "encode"
	case SourceObserver:
		return "observer"
	default:
		return "unknown"
	}
}

// PredictionEvent is a classification result returned by the server.
type PredictionEvent struct {
	PredictedPosture int
	Confidence       float64 // in [0,1]

	// Optional fields; zero when the server omits them.
	Probabilities      map[string]float64
	InputTimestamp     *int64
	InputRelativePitch *float64
	ServerTimestamp    string
}

// WelcomeEvent is the greeting the server sends after accepting a connection.
type WelcomeEvent struct {
	Message         string
	Instructions    string
	ServerTimestamp string
}

// ErrorEvent reports a failure on any path: transport, server, codec or an
// observer callback.
type ErrorEvent struct {
	Message string
	Source  Source
	Err     error // underlying error, nil for server reports without a local cause
}

func (e ErrorEvent) Error() string {
	return e.Source.String() + ": " + e.Message
}

func (e ErrorEvent) Unwrap() error { return e.Err }
