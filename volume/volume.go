// Package volume reads and writes single-file NIfTI-1 images (.nii and
// .nii.gz) as tensors.
//
// Image data is stored x fastest, so a 4-D image with dims (X, Y, Z, C) maps to
// a tensor of shape [C, Z, Y, X] without reordering.
package volume

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"dry/errs"
	"dry/tensor"
)

const (
	headerSize = 348
	// dataOffset is the header plus the 4-byte extension flag.
	dataOffset = headerSize + 4

	offDim       = 40
	offDatatype  = 70
	offBitpix    = 72
	offPixdim    = 76
	offVoxOffset = 108
	offSclSlope  = 112
	offSclInter  = 116
	offMagic     = 344
)

// NIfTI-1 datatype codes.
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
	DTUint16  = 512
)

var bytesPerVoxel = map[int16]int{
	DTUint8:   1,
	DTInt16:   2,
	DTInt32:   4,
	DTFloat32: 4,
	DTFloat64: 8,
	DTUint16:  2,
}

// Volume is a decoded image with the header it was read from. Saving a
// volume keeps the geometry of the header and rewrites the data description.
type Volume struct {
	Header []byte
	Order  binary.ByteOrder
	Data   *tensor.Tensor
}

// New wraps t in a fresh little-endian header with unit voxel size.
func New(t *tensor.Tensor) (*Volume, error) {
	if t == nil {
		return nil, errs.Validation("volume", "no data")
	}
	hdr := make([]byte, headerSize)
	le := binary.LittleEndian
	le.PutUint32(hdr[0:], headerSize)
	for i := 0; i < 8; i++ {
		le.PutUint32(hdr[offPixdim+4*i:], math.Float32bits(1))
	}
	copy(hdr[offMagic:], "n+1\x00")
	v := &Volume{Header: hdr, Order: le}
	return v.WithData(t)
}

// WithData returns a volume sharing v's header geometry that holds t.
func (v *Volume) WithData(t *tensor.Tensor) (*Volume, error) {
	if t == nil || len(t.Shape) == 0 || len(t.Shape) > 7 {
		return nil, errs.Validation("volume", "cannot store a tensor of shape %v", shapeOf(t))
	}
	if len(v.Header) < headerSize {
		return nil, errs.Validation("volume", "header is %d bytes, need %d", len(v.Header), headerSize)
	}
	return &Volume{
		Header: append([]byte(nil), v.Header[:headerSize]...),
		Order:  v.Order,
		Data:   t,
	}, nil
}

func shapeOf(t *tensor.Tensor) []int {
	if t == nil {
		return nil
	}
	return t.Shape
}

// Dims is the image size in NIfTI order (x first).
func (v *Volume) Dims() []int { return dimsOf(v.Data.Shape) }

// Load reads a .nii or .nii.gz file.
func Load(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()
	v, err := Read(f)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return v, nil
}

// Read decodes a NIfTI-1 image from r, gunzipping it when r is compressed.
func Read(r io.Reader) (*Volume, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(raw) >= 2 && raw[0] == 0x1f && raw[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, errors.Wrap(err, "opening gzip stream")
		}
		if raw, err = io.ReadAll(zr); err != nil {
			return nil, errors.Wrap(err, "decompressing")
		}
	}
	return decode(raw)
}

func decode(raw []byte) (*Volume, error) {
	if len(raw) < headerSize {
		return nil, errors.Errorf("file is %d bytes, shorter than a NIfTI-1 header", len(raw))
	}
	var order binary.ByteOrder = binary.LittleEndian
	if order.Uint32(raw) != headerSize {
		order = binary.BigEndian
		if order.Uint32(raw) != headerSize {
			return nil, errors.New("not a NIfTI-1 file: bad header size")
		}
	}
	if magic := string(raw[offMagic : offMagic+3]); magic != "n+1" {
		return nil, errors.Errorf("unsupported NIfTI magic %q (only single-file images are read)", magic)
	}

	ndim := int(int16(order.Uint16(raw[offDim:])))
	if ndim < 1 || ndim > 7 {
		return nil, errors.Errorf("invalid dimension count %d", ndim)
	}
	shape := make([]int, ndim)
	voxels := 1
	for i := 0; i < ndim; i++ {
		d := int(int16(order.Uint16(raw[offDim+2*(i+1):])))
		if d < 1 {
			return nil, errors.Errorf("dimension %d has size %d", i+1, d)
		}
		shape[ndim-1-i] = d
		// the voxel count can never exceed the file size
		if voxels > len(raw)/d {
			return nil, errors.Errorf("dimensions %v describe more voxels than the %d-byte file holds", dimsOf(shape[ndim-1-i:]), len(raw))
		}
		voxels *= d
	}

	dt := int16(order.Uint16(raw[offDatatype:]))
	width, ok := bytesPerVoxel[dt]
	if !ok {
		return nil, errors.Errorf("unsupported datatype %d", dt)
	}
	voxOffset := float64(math.Float32frombits(order.Uint32(raw[offVoxOffset:])))
	if math.IsNaN(voxOffset) || voxOffset > float64(len(raw)) {
		return nil, errors.Errorf("data offset %v lies outside the %d-byte file", voxOffset, len(raw))
	}
	offset := dataOffset
	if voxOffset >= headerSize {
		offset = int(voxOffset)
	}
	if need := offset + voxels*width; len(raw) < need {
		return nil, errors.Errorf("image data truncated: have %d bytes, need %d", len(raw), need)
	}

	data := decodeData(raw[offset:], dt, voxels, order)
	slope := float64(math.Float32frombits(order.Uint32(raw[offSclSlope:])))
	inter := float64(math.Float32frombits(order.Uint32(raw[offSclInter:])))
	if slope != 0 && !math.IsNaN(slope) && (slope != 1 || inter != 0) {
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	t, err := tensor.NewWithData(data, shape...)
	if err != nil {
		return nil, err
	}
	return &Volume{
		Header: append([]byte(nil), raw[:headerSize]...),
		Order:  order,
		Data:   t,
	}, nil
}

// dimsOf turns a tensor shape back into NIfTI order (x first).
func dimsOf(shape []int) []int {
	n := len(shape)
	dims := make([]int, n)
	for i, d := range shape {
		dims[n-1-i] = d
	}
	return dims
}

func decodeData(b []byte, dt int16, n int, order binary.ByteOrder) []float64 {
	data := make([]float64, n)
	switch dt {
	case DTUint8:
		for i := range data {
			data[i] = float64(b[i])
		}
	case DTInt16:
		for i := range data {
			data[i] = float64(int16(order.Uint16(b[i*2:])))
		}
	case DTUint16:
		for i := range data {
			data[i] = float64(order.Uint16(b[i*2:]))
		}
	case DTInt32:
		for i := range data {
			data[i] = float64(int32(order.Uint32(b[i*4:])))
		}
	case DTFloat32:
		for i := range data {
			data[i] = float64(math.Float32frombits(order.Uint32(b[i*4:])))
		}
	case DTFloat64:
		for i := range data {
			data[i] = math.Float64frombits(order.Uint64(b[i*8:]))
		}
	}
	return data
}

// Save writes v as float32 to path, gzip-compressed when path ends in .gz.
func Save(path string, v *Volume) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	var w io.Writer = f
	var zw *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		zw = gzip.NewWriter(f)
		w = zw
	}
	err = Write(w, v)
	if zw != nil {
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return nil
}

// Write encodes v as an uncompressed float32 NIfTI-1 image.
func Write(w io.Writer, v *Volume) error {
	if v == nil || v.Data == nil {
		return errs.Validation("volume", "nothing to write")
	}
	out, err := v.WithData(v.Data)
	if err != nil {
		return err
	}
	order := out.Order
	if order == nil {
		order = binary.LittleEndian
	}
	hdr := out.Header
	order.PutUint32(hdr[0:], headerSize)
	dims := out.Dims()
	order.PutUint16(hdr[offDim:], uint16(len(dims)))
	for i := 1; i < 8; i++ {
		d := 1
		if i <= len(dims) {
			d = dims[i-1]
		}
		if d > math.MaxInt16 {
			return errs.Validation("volume", "dimension %d is %d, larger than NIfTI-1 allows", i, d)
		}
		order.PutUint16(hdr[offDim+2*i:], uint16(d))
	}
	order.PutUint16(hdr[offDatatype:], DTFloat32)
	order.PutUint16(hdr[offBitpix:], 32)
	order.PutUint32(hdr[offVoxOffset:], math.Float32bits(dataOffset))
	order.PutUint32(hdr[offSclSlope:], math.Float32bits(1))
	order.PutUint32(hdr[offSclInter:], 0)
	copy(hdr[offMagic:], "n+1\x00")

	buf := make([]byte, dataOffset+4*out.Data.Len())
	copy(buf, hdr)
	body := buf[dataOffset:]
	for i, x := range out.Data.Data {
		order.PutUint32(body[i*4:], math.Float32bits(float32(x)))
	}
	_, err = w.Write(buf)
	return err
}

// BaseName strips the directory and a .nii or .nii.gz suffix from path.
func BaseName(path string) string {
	base := filepath.Base(path)
	for _, ext := range []string{".nii.gz", ".nii"} {
		if strings.HasSuffix(base, ext) && len(base) > len(ext) {
			return strings.TrimSuffix(base, ext)
		}
	}
	return base
}
