package annot

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/klauspost/compress/zstd"
	"github.com/natefinch/atomic"
)

// WriteFile encodes a container and replaces path atomically (temp file +
// rename), so readers observe the (mtime,size) transition as one step.
func WriteFile(path string, f *File) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Encode serializes a container to bytes.
func Encode(f *File) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	defer enc.Close()

	names := make([]string, 0, len(f.Datasets))
	for name := range f.Datasets {
		names = append(names, name)
	}
	sort.Strings(names)

	hdr := indexHeader{
		FormatVersion:  "1",
		Slide:          f.Slide,
		ModelTimestamp: f.ModelTimestamp,
	}

	var blobs bytes.Buffer
	for _, name := range names {
		ds := f.Datasets[name]

		raw, err := encodeDataset(ds)
		if err != nil {
			return nil, err
		}
		compressed := enc.EncodeAll(raw, nil)

		hdr.Datasets = append(hdr.Datasets, datasetEntry{
			Name:    name,
			Dtype:   ds.Dtype,
			Shape:   ds.Shape,
			Offset:  int64(blobs.Len()),
			Length:  int64(len(compressed)),
			RawSize: int64(len(raw)),
		})
		blobs.Write(compressed)
	}

	index, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("marshaling index: %w", err)
	}

	var out bytes.Buffer
	out.Grow(len(Magic) + 4 + len(index) + blobs.Len())
	out.WriteString(Magic)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(index)))
	out.Write(lenBuf[:])
	out.Write(index)
	out.Write(blobs.Bytes())

	return out.Bytes(), nil
}

func encodeDataset(ds *Dataset) ([]byte, error) {
	switch ds.Dtype {
	case DtypeJSON:
		return ds.Raw, nil
	case DtypeFloat32:
		if n := shapeElems(ds.Shape); n != len(ds.Float32s) {
			return nil, fmt.Errorf("dataset %s: %d values do not match shape %v", ds.Name, len(ds.Float32s), ds.Shape)
		}
		raw := make([]byte, len(ds.Float32s)*4)
		for i, v := range ds.Float32s {
			binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
		}
		return raw, nil
	case DtypeInt32:
		if n := shapeElems(ds.Shape); n != len(ds.Int32s) {
			return nil, fmt.Errorf("dataset %s: %d values do not match shape %v", ds.Name, len(ds.Int32s), ds.Shape)
		}
		raw := make([]byte, len(ds.Int32s)*4)
		for i, v := range ds.Int32s {
			binary.LittleEndian.PutUint32(raw[i*4:], uint32(v))
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("dataset %s: unsupported dtype %s", ds.Name, ds.Dtype)
	}
}

// JSONDataset builds a json-dtype dataset from any marshalable value.
func JSONDataset(name string, v interface{}) (*Dataset, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", name, err)
	}
	return &Dataset{Name: name, Dtype: DtypeJSON, Raw: raw}, nil
}
