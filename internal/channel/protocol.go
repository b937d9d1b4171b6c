package channel

import (
	"encoding/json"
	"fmt"

	"github.com/bdougie/visionbatch/internal/errkind"
)

// Request is one of the two request shapes the inference service accepts.
type Request interface {
	// ModelName is the model a tensor request targets; blob requests return "".
	ModelName() string
	request()
}

// BlobRequest asks the service to fetch an object and run every model on it.
type BlobRequest struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

func (BlobRequest) ModelName() string { return "" }
func (BlobRequest) request()          {}

// Input is a named tensor sent to a single model.
type Input struct {
	Name     string `json:"name"`
	Shape    []int  `json:"shape"`
	Datatype string `json:"datatype"`
	Data     Tensor `json:"data"`
}

// TensorRequest runs one model on caller-supplied tensors.
type TensorRequest struct {
	Model  string  `json:"model_name"`
	Inputs []Input `json:"inputs"`
}

func (r TensorRequest) ModelName() string { return r.Model }
func (TensorRequest) request()            {}

// Outputs maps model name to output name to tensor.
type Outputs map[string]map[string]Tensor

// Response is the decoded reply: either Success or Failure.
type Response interface {
	response()
}

// Success carries the model outputs.
type Success struct {
	Outputs Outputs
}

// Failure is a reply whose status was "error".
type Failure struct {
	Message string
}

func (Success) response() {}
func (Failure) response() {}

// EncodeRequest marshals a request into its wire form.
func EncodeRequest(req Request) ([]byte, error) {
	switch r := req.(type) {
	case BlobRequest:
		if r.Bucket == "" || r.Key == "" {
			return nil, errkind.New(errkind.Config, "encode", "blob request needs bucket and key")
		}
		return json.Marshal(r)
	case TensorRequest:
		if r.Model == "" || len(r.Inputs) == 0 {
			return nil, errkind.New(errkind.Config, "encode", "tensor request needs model_name and inputs")
		}
		return json.Marshal(r)
	default:
		return nil, errkind.New(errkind.Config, "encode", "unsupported request type %T", req)
	}
}

type envelope struct {
	Status  string                     `json:"status"`
	Outputs map[string]json.RawMessage `json:"outputs"`
	Message *string                    `json:"message"`
}

// DecodeResponse parses a reply. Anything that is not one of the two known
// shapes is a protocol error. A tensor request may be answered with a flat
// output_name -> tensor map; it is filed under the requested model.
func DecodeResponse(payload []byte, model string) (Response, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, errkind.Wrap(errkind.Protocol, "decode", err)
	}
	switch env.Status {
	case "success":
		if env.Outputs == nil {
			return nil, errkind.New(errkind.Protocol, "decode", "success response without outputs")
		}
		outputs, err := decodeOutputs(env.Outputs, model)
		if err != nil {
			return nil, errkind.Wrap(errkind.Protocol, "decode", err)
		}
		return Success{Outputs: outputs}, nil
	case "error":
		msg := "unknown error"
		if env.Message != nil && *env.Message != "" {
			msg = *env.Message
		}
		return Failure{Message: msg}, nil
	default:
		return nil, errkind.New(errkind.Protocol, "decode", "unrecognized response status %q", env.Status)
	}
}

func decodeOutputs(raw map[string]json.RawMessage, model string) (Outputs, error) {
	outputs := make(Outputs, len(raw))
	flat := make(map[string]Tensor)
	for name, msg := range raw {
		if isObject(msg) {
			var perOutput map[string]Tensor
			if err := json.Unmarshal(msg, &perOutput); err != nil {
				return nil, fmt.Errorf("model %q: %w", name, err)
			}
			outputs[name] = perOutput
			continue
		}
		if model == "" {
			return nil, fmt.Errorf("output %q is not keyed by model", name)
		}
		var t Tensor
		if err := json.Unmarshal(msg, &t); err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}
		flat[name] = t
	}
	if len(flat) > 0 {
		if len(outputs) > 0 {
			return nil, fmt.Errorf("response mixes per-model and flat outputs")
		}
		outputs[model] = flat
	}
	return outputs, nil
}

func isObject(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}
