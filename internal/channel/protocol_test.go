package channel

import (
	"encoding/json"
	"testing"

	"go.viam.com/test"

	"github.com/bdougie/visionbatch/internal/errkind"
)

func TestDecodeResponse(t *testing.T) {
	t.Run("success nested by model", func(t *testing.T) {
		payload := `{"status":"success","outputs":{"densenet":{"fc6_1":[[[[0.5]],[[1.5]]]]},"resnet":{"out":[[1,2,3]]}}}`
		resp, err := DecodeResponse([]byte(payload), "")
		test.That(t, err, test.ShouldBeNil)
		success, ok := resp.(Success)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, success.Outputs["densenet"]["fc6_1"].Shape, test.ShouldResemble, []int{1, 2, 1, 1})
		test.That(t, success.Outputs["densenet"]["fc6_1"].Data, test.ShouldResemble, []float64{0.5, 1.5})
		test.That(t, success.Outputs["resnet"]["out"].Data, test.ShouldResemble, []float64{1, 2, 3})
	})

	t.Run("flat outputs filed under requested model", func(t *testing.T) {
		resp, err := DecodeResponse([]byte(`{"status":"success","outputs":{"fc6_1":[[1,2]]}}`), "densenet_onnx")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp.(Success).Outputs["densenet_onnx"]["fc6_1"].Shape, test.ShouldResemble, []int{1, 2})
	})

	t.Run("flat outputs without a model", func(t *testing.T) {
		_, err := DecodeResponse([]byte(`{"status":"success","outputs":{"fc6_1":[[1,2]]}}`), "")
		test.That(t, errkind.KindOf(err), test.ShouldEqual, errkind.Protocol)
	})

	t.Run("error reply", func(t *testing.T) {
		resp, err := DecodeResponse([]byte(`{"status":"error","message":"no such key"}`), "")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp, test.ShouldResemble, Failure{Message: "no such key"})
	})

	t.Run("error reply without message", func(t *testing.T) {
		resp, err := DecodeResponse([]byte(`{"status":"error"}`), "")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp.(Failure).Message, test.ShouldEqual, "unknown error")
	})

	for name, payload := range map[string]string{
		"not json":        `hello`,
		"unknown status":  `{"status":"pending"}`,
		"missing outputs": `{"status":"success"}`,
		"ragged tensor":   `{"status":"success","outputs":{"m":{"o":[[1,2],[3]]}}}`,
		"string leaf":     `{"status":"success","outputs":{"m":{"o":[["a"]]}}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeResponse([]byte(payload), "")
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, errkind.KindOf(err), test.ShouldEqual, errkind.Protocol)
		})
	}
}

func TestEncodeRequest(t *testing.T) {
	t.Run("blob", func(t *testing.T) {
		data, err := EncodeRequest(BlobRequest{Bucket: "b", Key: "images/a.jpg"})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, string(data), test.ShouldEqual, `{"bucket":"b","key":"images/a.jpg"}`)
	})

	t.Run("tensor nests data by shape", func(t *testing.T) {
		tensor, err := NewTensor([]int{1, 2, 2}, []float64{1, 2, 3, 4})
		test.That(t, err, test.ShouldBeNil)
		data, err := EncodeRequest(TensorRequest{
			Model:  "densenet_onnx",
			Inputs: []Input{{Name: "data_0", Shape: tensor.Shape, Datatype: "FP32", Data: tensor}},
		})
		test.That(t, err, test.ShouldBeNil)
		var decoded struct {
			ModelName string `json:"model_name"`
			Inputs    []struct {
				Data [][][]float64 `json:"data"`
			} `json:"inputs"`
		}
		test.That(t, json.Unmarshal(data, &decoded), test.ShouldBeNil)
		test.That(t, decoded.ModelName, test.ShouldEqual, "densenet_onnx")
		test.That(t, decoded.Inputs[0].Data, test.ShouldResemble, [][][]float64{{{1, 2}, {3, 4}}})
	})

	t.Run("tensor keeps double precision", func(t *testing.T) {
		values := []float64{0.1 + 1e-12, 1.0 / 3, 123456789.123456789}
		tensor, err := NewTensor([]int{3}, values)
		test.That(t, err, test.ShouldBeNil)
		data, err := EncodeRequest(TensorRequest{
			Model:  "m",
			Inputs: []Input{{Name: "x", Shape: tensor.Shape, Datatype: "FP64", Data: tensor}},
		})
		test.That(t, err, test.ShouldBeNil)
		var decoded struct {
			Inputs []struct {
				Data Tensor `json:"data"`
			} `json:"inputs"`
		}
		test.That(t, json.Unmarshal(data, &decoded), test.ShouldBeNil)
		test.That(t, decoded.Inputs[0].Data.Data, test.ShouldResemble, values)
	})

	t.Run("incomplete requests", func(t *testing.T) {
		_, err := EncodeRequest(BlobRequest{Key: "k"})
		test.That(t, errkind.KindOf(err), test.ShouldEqual, errkind.Config)
		_, err = EncodeRequest(TensorRequest{Model: "m"})
		test.That(t, errkind.KindOf(err), test.ShouldEqual, errkind.Config)
	})
}

func TestNewTensorShapeMismatch(t *testing.T) {
	_, err := NewTensor([]int{2, 2}, []float64{1, 2, 3})
	test.That(t, err, test.ShouldNotBeNil)
}
