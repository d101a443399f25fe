package ml

import (
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// paramData is one stored parameter buffer.
type paramData struct {
	Name  string
	Value *Matrix
}

// checkpointData is the on-disk content of a checkpoint in either format.
type checkpointData struct {
	Config Config
	Epoch  int
	Params []paramData
}

// CheckpointName returns the file name used for the checkpoint of an epoch.
func CheckpointName(epoch int, ext string) string {
	return fmt.Sprintf("checkpoint_epoch_%d%s", epoch, ext)
}

// SaveCheckpoint writes the config and every parameter of m to path. The
// format follows the extension: ".arrow" for an Arrow IPC stream, anything
// else for gob.
func SaveCheckpoint(path string, m *Model, epoch int) error {
	data := checkpointData{Config: *m.Config, Epoch: epoch}
	for _, p := range m.Params() {
		data.Params = append(data.Params, paramData{Name: p.Name, Value: p.Value})
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if isArrow(path) {
		err = writeArrow(file, &data)
	} else {
		err = gob.NewEncoder(file).Encode(&data)
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", path, err)
	}
	return nil
}

// LoadCheckpoint copies the parameters stored at path into m, checking that
// names and shapes match m's parameters. It returns the stored epoch.
func LoadCheckpoint(path string, m *Model) (int, error) {
	data, err := readCheckpoint(path)
	if err != nil {
		return 0, err
	}
	if err := restoreParams(m, data.Params); err != nil {
		return 0, fmt.Errorf("load checkpoint %s: %w", path, err)
	}
	return data.Epoch, nil
}

// LoadModel builds a model from the config stored at path and restores its
// parameters.
func LoadModel(path string, rng *rand.Rand) (*Model, int, error) {
	data, err := readCheckpoint(path)
	if err != nil {
		return nil, 0, err
	}
	cfg := data.Config
	if err := cfg.Validate(); err != nil {
		return nil, 0, fmt.Errorf("load checkpoint %s: %w", path, err)
	}
	m := NewModel(&cfg, rng)
	if err := restoreParams(m, data.Params); err != nil {
		return nil, 0, fmt.Errorf("load checkpoint %s: %w", path, err)
	}
	return m, data.Epoch, nil
}

func restoreParams(m *Model, stored []paramData) error {
	params := m.Params()
	if len(params) != len(stored) {
		return fmt.Errorf("%w: model has %d parameters, checkpoint has %d", ErrShape, len(params), len(stored))
	}
	for i, p := range params {
		s := stored[i]
		if s.Name != p.Name {
			return fmt.Errorf("%w: parameter %d is %q, checkpoint has %q", ErrShape, i, p.Name, s.Name)
		}
		if s.Value == nil || !p.Value.SameShape(s.Value) {
			return fmt.Errorf("%w: parameter %s shape mismatch", ErrShape, p.Name)
		}
	}
	for i, p := range params {
		copy(p.Value.data, stored[i].Value.data)
	}
	return nil
}

func readCheckpoint(path string) (*checkpointData, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var data checkpointData
	if isArrow(path) {
		err = readArrow(file, &data)
	} else {
		err = gob.NewDecoder(file).Decode(&data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}
	return &data, nil
}

func isArrow(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".arrow")
}

// ------ ARROW IPC ------ //

const (
	metaConfig = "config"
	metaEpoch  = "epoch"
)

// writeArrow stores one row per parameter: name, rows, cols and the flat
// row-major values. The config and epoch travel in the schema metadata.
func writeArrow(w io.Writer, data *checkpointData) error {
	cfgJSON, err := json.Marshal(&data.Config)
	if err != nil {
		return err
	}
	md := arrow.NewMetadata(
		[]string{metaConfig, metaEpoch},
		[]string{string(cfgJSON), strconv.Itoa(data.Epoch)},
	)
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "rows", Type: arrow.PrimitiveTypes.Int64},
		{Name: "cols", Type: arrow.PrimitiveTypes.Int64},
		{Name: "values", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
	}, &md)

	mem := memory.NewGoAllocator()
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	names := b.Field(0).(*array.StringBuilder)
	rows := b.Field(1).(*array.Int64Builder)
	cols := b.Field(2).(*array.Int64Builder)
	values := b.Field(3).(*array.ListBuilder)
	floatValues := values.ValueBuilder().(*array.Float64Builder)

	for _, p := range data.Params {
		names.Append(p.Name)
		rows.Append(int64(p.Value.rows))
		cols.Append(int64(p.Value.cols))
		values.Append(true)
		floatValues.AppendValues(p.Value.data, nil)
	}

	rec := b.NewRecord()
	defer rec.Release()

	wr := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return err
	}
	return wr.Close()
}

func readArrow(r io.Reader, data *checkpointData) error {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return err
	}
	defer rdr.Release()

	md := rdr.Schema().Metadata()
	idx := md.FindKey(metaConfig)
	if idx < 0 {
		return errors.New("arrow checkpoint has no config metadata")
	}
	if err := json.Unmarshal([]byte(md.Values()[idx]), &data.Config); err != nil {
		return fmt.Errorf("config metadata: %w", err)
	}
	if idx := md.FindKey(metaEpoch); idx >= 0 {
		if data.Epoch, err = strconv.Atoi(md.Values()[idx]); err != nil {
			return fmt.Errorf("epoch metadata: %w", err)
		}
	}

	for rdr.Next() {
		rec := rdr.Record()
		names, ok1 := rec.Column(0).(*array.String)
		rows, ok2 := rec.Column(1).(*array.Int64)
		cols, ok3 := rec.Column(2).(*array.Int64)
		values, ok4 := rec.Column(3).(*array.List)
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return errors.New("arrow checkpoint has an unexpected schema")
		}
		flat := values.ListValues().(*array.Float64).Float64Values()

		for i := 0; i < int(rec.NumRows()); i++ {
			r, c := int(rows.Value(i)), int(cols.Value(i))
			start, end := values.ValueOffsets(i)
			if int(end-start) != r*c {
				return fmt.Errorf("parameter %s: %d values for %dx%d", names.Value(i), end-start, r, c)
			}
			buf := make([]float64, r*c)
			copy(buf, flat[start:end])
			data.Params = append(data.Params, paramData{
				Name:  names.Value(i),
				Value: NewMatrixFromSlice(r, c, buf),
			})
		}
	}
	return rdr.Err()
}
