package volume

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
)

// nifti1Header is the fixed 348-byte NIfTI-1 header, as defined by
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
type nifti1Header struct {
	SizeOfHdr    int32
	DataTypeName [10]byte
	DbName       [18]byte
	Extents      int32
	SessionError int16
	Regular      byte
	DimInfo      byte

	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	DataType      int16
	BitPix        int16
	SliceStart    int16
	PixDim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	Glmax         int32
	Glmin         int32

	Descrip [80]byte
	AuxFile [24]byte

	QFormCode int16
	SFormCode int16

	QuaternB float32
	QuaternC float32
	QuaternD float32
	QOffsetX float32
	QOffsetY float32
	QOffsetZ float32

	SRowX [4]float32
	SRowY [4]float32
	SRowZ [4]float32

	IntentName [16]byte

	Magic [4]byte
}

const (
	niftiHeaderSize = 348
	niftiVoxOffset  = 352

	// DT_FLOAT32
	dtFloat32     = 16
	bitPixFloat32 = 32

	// NIFTI_XFORM_SCANNER_ANAT, NIFTI_UNITS_MM
	xformScannerAnat = 1
	unitsMM          = 2
)

// Write persists a volume as a single-file NIfTI-1 image with float32
// voxels. Paths ending in .gz are gzip-compressed. The affine is a plain
// scaling by the voxel spacing: the warped outputs this package writes are
// always consumed on the same grid they were produced on, so orientation
// metadata beyond spacing is not carried.
func Write(path string, v *Volume) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}

	if err := encode(w, v); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}

	return f.Close()
}

func encode(w io.Writer, v *Volume) error {
	hdr := nifti1Header{
		SizeOfHdr: niftiHeaderSize,
		Regular:   'r',
		DataType:  dtFloat32,
		BitPix:    bitPixFloat32,
		VoxOffset: niftiVoxOffset,
		SclSlope:  1,
		XYZTUnits: unitsMM,
		SFormCode: xformScannerAnat,
		Magic:     [4]byte{'n', '+', '1', 0},
	}

	hdr.Dim[0] = 3
	hdr.Dim[1] = int16(v.Nx)
	hdr.Dim[2] = int16(v.Ny)
	hdr.Dim[3] = int16(v.Nz)
	for i := 4; i < 8; i++ {
		hdr.Dim[i] = 1
	}

	hdr.PixDim[0] = 1 // qfac
	for i := 0; i < 3; i++ {
		hdr.PixDim[i+1] = float32(v.Spacing[i])
	}
	for i := 4; i < 8; i++ {
		hdr.PixDim[i] = 1
	}

	// Diagonal sform carrying the voxel spacing
	hdr.SRowX[0] = float32(v.Spacing[0])
	hdr.SRowY[1] = float32(v.Spacing[1])
	hdr.SRowZ[2] = float32(v.Spacing[2])

	copy(hdr.Descrip[:], "regionalmetrics")

	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return err
	}

	// 4-byte extension indicator: no extensions
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}

	data := make([]float32, len(v.Data))
	for i, val := range v.Data {
		data[i] = float32(val)
	}

	return binary.Write(w, binary.LittleEndian, data)
}
