package annot

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/zstd"
)

// ErrCorrupt marks a container that could not be parsed. Callers treat it
// as fatal for the whole read; no partial result is ever returned.
var ErrCorrupt = errors.New("annotation container corrupt")

// ReadFile opens a container read-only, decodes every dataset whose name is
// not in skip, and closes the file before returning. The handle is never
// held past this call so external writers can replace the file.
func ReadFile(path string, skip map[string]bool) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	return decode(data, skip)
}

func decode(data []byte, skip map[string]bool) (*File, error) {
	headLen := len(Magic) + 4
	if len(data) < headLen {
		return nil, fmt.Errorf("%w: file too short (%d bytes)", ErrCorrupt, len(data))
	}
	if string(data[:len(Magic)]) != Magic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}

	indexLen := int(binary.LittleEndian.Uint32(data[len(Magic):headLen]))
	if indexLen <= 0 || headLen+indexLen > len(data) {
		return nil, fmt.Errorf("%w: invalid index length %d", ErrCorrupt, indexLen)
	}

	var hdr indexHeader
	if err := json.Unmarshal(data[headLen:headLen+indexLen], &hdr); err != nil {
		return nil, fmt.Errorf("%w: parsing index: %v", ErrCorrupt, err)
	}

	blobs := data[headLen+indexLen:]

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()

	out := &File{
		Slide:          hdr.Slide,
		ModelTimestamp: hdr.ModelTimestamp,
		Datasets:       make(map[string]*Dataset, len(hdr.Datasets)),
	}

	for _, entry := range hdr.Datasets {
		if skip[entry.Name] {
			continue
		}

		ds, err := decodeDataset(entry, blobs, dec)
		if err != nil {
			return nil, err
		}
		out.Datasets[entry.Name] = ds
	}

	return out, nil
}

func decodeDataset(entry datasetEntry, blobs []byte, dec *zstd.Decoder) (*Dataset, error) {
	// Subtraction form: the additive check overflows for huge header values.
	if entry.Offset < 0 || entry.Length < 0 ||
		entry.Length > int64(len(blobs)) || entry.Offset > int64(len(blobs))-entry.Length {
		return nil, fmt.Errorf("%w: dataset %s blob out of range (offset=%d length=%d region=%d)",
			ErrCorrupt, entry.Name, entry.Offset, entry.Length, len(blobs))
	}

	raw, err := dec.DecodeAll(blobs[entry.Offset:entry.Offset+entry.Length], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dataset %s: zstd decompress failed: %v", ErrCorrupt, entry.Name, err)
	}
	if int64(len(raw)) != entry.RawSize {
		return nil, fmt.Errorf("%w: dataset %s: raw size mismatch: got %d want %d",
			ErrCorrupt, entry.Name, len(raw), entry.RawSize)
	}

	elemSize, err := dtypeSize(entry.Dtype)
	if err != nil {
		return nil, fmt.Errorf("%w: dataset %s: %v", ErrCorrupt, entry.Name, err)
	}

	ds := &Dataset{Name: entry.Name, Dtype: entry.Dtype, Shape: entry.Shape}

	switch entry.Dtype {
	case DtypeJSON:
		ds.Raw = raw
		return ds, nil
	case DtypeFloat32, DtypeInt32:
		n := shapeElems(entry.Shape)
		if len(raw) != n*elemSize {
			return nil, fmt.Errorf("%w: dataset %s: %d bytes do not match shape %v",
				ErrCorrupt, entry.Name, len(raw), entry.Shape)
		}
		if entry.Dtype == DtypeFloat32 {
			ds.Float32s = make([]float32, n)
			for i := 0; i < n; i++ {
				bits := binary.LittleEndian.Uint32(raw[i*4:])
				ds.Float32s[i] = math.Float32frombits(bits)
			}
		} else {
			ds.Int32s = make([]int32, n)
			for i := 0; i < n; i++ {
				ds.Int32s[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
			}
		}
		return ds, nil
	default:
		return nil, fmt.Errorf("%w: dataset %s: unsupported dtype %s", ErrCorrupt, entry.Name, entry.Dtype)
	}
}

// ManualAnnotations decodes the manual-annotation blob. A missing blob is
// an empty edit history, not an error. Individual malformed records were
// already rejected wholesale at container parse time; here the blob either
// decodes or the container is corrupt.
func (f *File) ManualAnnotations() ([]ManualAnnotation, error) {
	ds := f.Dataset(DSManualAnnots)
	if ds == nil || len(ds.Raw) == 0 {
		return nil, nil
	}

	var records []ManualAnnotation
	if err := json.Unmarshal(ds.Raw, &records); err != nil {
		return nil, fmt.Errorf("%w: manual annotations: %v", ErrCorrupt, err)
	}
	return records, nil
}

// StringList decodes a json dataset holding an array of strings
// (class names, class colors).
func (f *File) StringList(name string) ([]string, error) {
	ds := f.Dataset(name)
	if ds == nil || len(ds.Raw) == 0 {
		return nil, nil
	}

	var values []string
	if err := json.Unmarshal(ds.Raw, &values); err != nil {
		return nil, fmt.Errorf("%w: dataset %s: %v", ErrCorrupt, name, err)
	}
	return values, nil
}
