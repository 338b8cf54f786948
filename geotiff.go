package contour

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"strconv"
	"strings"

	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
	_ "github.com/google/tiff/geotiff"
	"github.com/klauspost/compress/zlib"
	"github.com/maypok86/otter/v2"
	"golang.org/x/image/tiff/lzw"
)

// TIFF compression, predictor and sample format values.
const (
	compressionNone         = 1
	compressionLZW          = 5
	compressionDeflate      = 8
	compressionAdobeDeflate = 32946

	predictorNone          = 1
	predictorHorizontal    = 2
	predictorFloatingPoint = 3

	sampleFormatUint  = 1
	sampleFormatInt   = 2
	sampleFormatFloat = 3
)

var errShortRead = errors.New("short read")

type readerAtSeeker interface {
	io.ReaderAt
	io.ReadSeeker
}

// A GeoTIFF is an open single band GeoTIFF file.
type GeoTIFF struct {
	file                   fs.File
	r                      readerAtSeeker
	byteOrder              binary.ByteOrder
	imageWidth             int
	imageLength            int
	blockWidth             int
	blockLength            int
	blocksAcross           int
	blocksDown             int
	tiled                  bool
	blockOffsets           []uint64
	blockByteCounts        []uint64
	smallestBlockByteCount uint64
	compression            int
	predictor              int
	sampleFormat           int
	bytesPerSample         int
	blockCacheSizeBytes    int
	blockSamplesCache      *otter.Cache[TileCoord, []float64]
	emptyBlockBytes        []byte
	transform              GeoTransform
	inverse                GeoTransform
	noData                 float64
	hasNoData              bool
	srs                    string
}

type GeoTIFFOption func(*GeoTIFF)

// A geoTIFFIFD is a struct into which github.com/google/tiff can unmarshal an
// IFD.
type geoTIFFIFD struct {
	ImageWidth             uint16    `tiff:"field,tag=256"`
	ImageLength            uint16    `tiff:"field,tag=257"`
	BitsPerSample          uint16    `tiff:"field,tag=258"`
	Compression            uint16    `tiff:"field,tag=259"`
	StripOffsets           []uint64  `tiff:"field,tag=273"`
	SamplesPerPixel        uint16    `tiff:"field,tag=277"`
	RowsPerStrip           uint32    `tiff:"field,tag=278"`
	StripByteCounts        []uint64  `tiff:"field,tag=279"`
	PlanarConfiguration    uint16    `tiff:"field,tag=284"`
	Predictor              uint16    `tiff:"field,tag=317"`
	TileWidth              uint16    `tiff:"field,tag=322"`
	TileLength             uint16    `tiff:"field,tag=323"`
	TileOffsets            []uint64  `tiff:"field,tag=324"`
	TileByteCounts         []uint64  `tiff:"field,tag=325"`
	SampleFormat           uint16    `tiff:"field,tag=339"`
	ModelPixelScaleTag     []float64 `tiff:"field,tag=33550"`
	ModelTiepointTag       []float64 `tiff:"field,tag=33922"`
	ModelTransformationTag []float64 `tiff:"field,tag=34264"`
	GeoKeyDirectoryTag     []uint16  `tiff:"field,tag=34735"`
	GeoDoubleParamsTag     []float64 `tiff:"field,tag=34736"`
	GeoASCIIParamsTag      string    `tiff:"field,tag=34737"`
	GDALNoData             string    `tiff:"field,tag=42113"`
}

// NewGeoTIFF opens the GeoTIFF file name in fsys.
func NewGeoTIFF(fsys fs.FS, name string, options ...GeoTIFFOption) (*GeoTIFF, error) {
	var err error
	ok := false

	g := &GeoTIFF{
		blockCacheSizeBytes: 128 << 20, // 128MB.
	}
	for _, option := range options {
		option(g)
	}

	g.file, err = fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer func() {
		if !ok {
			_ = g.file.Close()
		}
	}()
	r, isReaderAtSeeker := g.file.(readerAtSeeker)
	if !isReaderAtSeeker {
		return nil, fmt.Errorf("%s: %w: file does not support random access", name, errors.ErrUnsupported)
	}
	g.r = r

	header := make([]byte, 2)
	if _, err := g.r.ReadAt(header, 0); err != nil {
		return nil, err
	}
	switch string(header) {
	case "II":
		g.byteOrder = binary.LittleEndian
	case "MM":
		g.byteOrder = binary.BigEndian
	default:
		return nil, fmt.Errorf("%s: %w: not a TIFF file", name, errParse)
	}

	tiffTIFF, err := tiff.Parse(g.r, tiff.GetTagSpace("GeoTIFF"), nil)
	if err != nil {
		return nil, err
	}

	if len(tiffTIFF.IFDs()) == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrNoBand)
	}

	var ifd geoTIFFIFD
	if err := tiff.UnmarshalIFD(tiffTIFF.IFDs()[0], &ifd); err != nil {
		return nil, err
	}
	if err := g.init(&ifd); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	ok = true
	return g, nil
}

// WithBlockCacheSize sets the size of the decoded block cache in bytes.
func WithBlockCacheSize(blockCacheSize int) GeoTIFFOption {
	return func(g *GeoTIFF) {
		g.blockCacheSizeBytes = blockCacheSize
	}
}

func (g *GeoTIFF) init(ifd *geoTIFFIFD) error {
	samplesPerPixel := max(int(ifd.SamplesPerPixel), 1)
	if samplesPerPixel != 1 {
		return fmt.Errorf("%d samples per pixel: %w", samplesPerPixel, errors.ErrUnsupported)
	}
	if ifd.PlanarConfiguration > 1 {
		return fmt.Errorf("planar configuration %d: %w", ifd.PlanarConfiguration, errors.ErrUnsupported)
	}

	g.compression = max(int(ifd.Compression), compressionNone)
	switch g.compression {
	case compressionNone, compressionLZW, compressionDeflate, compressionAdobeDeflate:
	default:
		return fmt.Errorf("compression %d: %w", g.compression, errors.ErrUnsupported)
	}

	g.sampleFormat = max(int(ifd.SampleFormat), sampleFormatUint)
	g.bytesPerSample = int(ifd.BitsPerSample) / 8
	switch {
	case g.sampleFormat == sampleFormatFloat && (g.bytesPerSample == 4 || g.bytesPerSample == 8):
	case g.sampleFormat == sampleFormatUint || g.sampleFormat == sampleFormatInt:
		switch g.bytesPerSample {
		case 1, 2, 4:
		default:
			return fmt.Errorf("%d bits per sample: %w", ifd.BitsPerSample, errors.ErrUnsupported)
		}
	default:
		return fmt.Errorf("sample format %d with %d bits per sample: %w", g.sampleFormat, ifd.BitsPerSample, errors.ErrUnsupported)
	}

	g.predictor = max(int(ifd.Predictor), predictorNone)
	switch {
	case g.predictor == predictorNone:
	case g.predictor == predictorHorizontal && g.sampleFormat != sampleFormatFloat:
	case g.predictor == predictorFloatingPoint && g.sampleFormat == sampleFormatFloat:
	default:
		return fmt.Errorf("predictor %d: %w", g.predictor, errors.ErrUnsupported)
	}

	g.imageWidth = int(ifd.ImageWidth)
	g.imageLength = int(ifd.ImageLength)
	if g.imageWidth == 0 || g.imageLength == 0 {
		return ErrNoBand
	}
	if ifd.TileWidth != 0 {
		g.tiled = true
		g.blockWidth = int(ifd.TileWidth)
		g.blockLength = int(ifd.TileLength)
		g.blockOffsets = ifd.TileOffsets
		g.blockByteCounts = ifd.TileByteCounts
	} else {
		g.blockWidth = g.imageWidth
		g.blockLength = int(ifd.RowsPerStrip)
		if g.blockLength == 0 || g.blockLength > g.imageLength {
			g.blockLength = g.imageLength
		}
		g.blockOffsets = ifd.StripOffsets
		g.blockByteCounts = ifd.StripByteCounts
	}
	g.blocksAcross = (g.imageWidth + g.blockWidth - 1) / g.blockWidth
	g.blocksDown = (g.imageLength + g.blockLength - 1) / g.blockLength
	blocksPerImage := g.blocksAcross * g.blocksDown
	if len(g.blockByteCounts) != blocksPerImage || len(g.blockOffsets) != blocksPerImage {
		return errors.New("incorrect number of block byte counts or offsets")
	}
	g.smallestBlockByteCount = g.blockByteCounts[0]
	for _, blockByteCount := range g.blockByteCounts[1:] {
		g.smallestBlockByteCount = min(g.smallestBlockByteCount, blockByteCount)
	}

	if noData := strings.Trim(ifd.GDALNoData, " \x00"); noData != "" {
		value, err := strconv.ParseFloat(noData, 64)
		if err != nil {
			return fmt.Errorf("no data value %q: %w", noData, errParse)
		}
		g.noData = value
		g.hasNoData = true
	}

	var geoKeys *ParsedGeoKeys
	if len(ifd.GeoKeyDirectoryTag) != 0 {
		var err error
		geoKeys, err = ParseGeoKeys(ifd.GeoKeyDirectoryTag, ifd.GeoDoubleParamsTag, []byte(ifd.GeoASCIIParamsTag))
		if err != nil {
			return err
		}
		g.srs, _ = geoKeys.SRS()
	}

	switch {
	case len(ifd.ModelTransformationTag) == 16:
		m := ifd.ModelTransformationTag
		g.transform = GeoTransform{m[3], m[0], m[1], m[7], m[4], m[5]}
	case len(ifd.ModelPixelScaleTag) >= 2 && len(ifd.ModelTiepointTag) >= 6:
		scaleX, scaleY := ifd.ModelPixelScaleTag[0], ifd.ModelPixelScaleTag[1]
		i, j := ifd.ModelTiepointTag[0], ifd.ModelTiepointTag[1]
		x, y := ifd.ModelTiepointTag[3], ifd.ModelTiepointTag[4]
		g.transform = GeoTransform{x - i*scaleX, scaleX, 0, y + j*scaleY, 0, -scaleY}
	default:
		g.transform = IdentityGeoTransform
	}
	if geoKeys != nil && geoKeys.PixelIsPoint() {
		g.transform[0] -= 0.5*g.transform[1] + 0.5*g.transform[2]
		g.transform[3] -= 0.5*g.transform[4] + 0.5*g.transform[5]
	}
	var ok bool
	if g.inverse, ok = g.transform.Invert(); !ok {
		return fmt.Errorf("%v: %w: degenerate transform", g.transform, errParse)
	}

	blockCacheCount := max(g.blockCacheSizeBytes/(g.blockWidth*g.blockLength*8), 1)
	var err error
	g.blockSamplesCache, err = otter.New(&otter.Options[TileCoord, []float64]{
		MaximumSize: blockCacheCount,
	})
	return err
}

func (g *GeoTIFF) Close() error {
	return g.file.Close()
}

// Size returns the width and height of g in samples.
func (g *GeoTIFF) Size() (int, int) {
	return g.imageWidth, g.imageLength
}

// Transform returns g's GeoTransform.
func (g *GeoTIFF) Transform() GeoTransform {
	return g.transform
}

// SRS returns g's CRS definition, or the empty string if it is unknown.
func (g *GeoTIFF) SRS() string {
	return g.srs
}

// NoData returns g's no data value and whether it has one.
func (g *GeoTIFF) NoData() (float64, bool) {
	return g.noData, g.hasNoData
}

// Scale returns g's cell size rounded to integer world units.
func (g *GeoTIFF) Scale() (int, int) {
	return int(math.Round(math.Abs(g.transform[1]))), int(math.Round(math.Abs(g.transform[5])))
}

// Sample returns a single sample from g.
func (g *GeoTIFF) Sample(ctx context.Context, coord Coord) (float64, error) {
	localCoord, ok := g.localCoord(coord)
	if !ok {
		return math.NaN(), nil
	}
	switch blockSamples, err := g.getBlockSamplesCached(ctx, g.localBlockCoord(localCoord)); {
	case errors.Is(err, otter.ErrNotFound):
		return math.NaN(), nil
	case err != nil:
		return 0, err
	default:
		return g.blockSample(blockSamples, localCoord), nil
	}
}

// Samples returns multiple samples from g. It is significantly faster than
// calling [Sample] for each coordinate.
func (g *GeoTIFF) Samples(ctx context.Context, coords []Coord) ([]float64, error) {
	samples := make([]float64, len(coords))
	localCoords := make([]Coord, len(coords))

	// Group indexes by local block coord.
	indexesByLocalBlockCoord := make(map[TileCoord][]int)
	for index, coord := range coords {
		localCoord, ok := g.localCoord(coord)
		if !ok {
			samples[index] = math.NaN()
			continue
		}
		localCoords[index] = localCoord
		localBlockCoord := g.localBlockCoord(localCoord)
		indexesByLocalBlockCoord[localBlockCoord] = append(indexesByLocalBlockCoord[localBlockCoord], index)
	}

	// Populate samples one block at a time.
	for localBlockCoord, indexes := range indexesByLocalBlockCoord {
		switch blockSamples, err := g.getBlockSamplesCached(ctx, localBlockCoord); {
		case errors.Is(err, otter.ErrNotFound):
			for _, index := range indexes {
				samples[index] = math.NaN()
			}
		case err != nil:
			return nil, err
		default:
			for _, index := range indexes {
				samples[index] = g.blockSample(blockSamples, localCoords[index])
			}
		}
	}

	return samples, nil
}

// Grid reads all of g into a Grid. No data samples are NaN.
func (g *GeoTIFF) Grid(ctx context.Context) (*Grid, error) {
	samples := make([]float64, g.imageWidth*g.imageLength)
	for r := range g.blocksDown {
		for c := range g.blocksAcross {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			blockCoord := TileCoord{C: c, R: r}
			blockSamples, err := g.getBlockSamples(ctx, blockCoord)
			switch {
			case errors.Is(err, otter.ErrNotFound):
				blockSamples = nil
			case err != nil:
				return nil, err
			}
			x0, y0 := c*g.blockWidth, r*g.blockLength
			for y := y0; y < min(y0+g.blockLength, g.imageLength); y++ {
				row := samples[y*g.imageWidth : (y+1)*g.imageWidth]
				for x := x0; x < min(x0+g.blockWidth, g.imageWidth); x++ {
					if blockSamples == nil {
						row[x] = math.NaN()
					} else {
						row[x] = blockSamples[(y-y0)*g.blockWidth+x-x0]
					}
				}
			}
		}
	}
	return &Grid{
		Width:     g.imageWidth,
		Height:    g.imageLength,
		Samples:   samples,
		Transform: g.transform,
		NoData:    g.noData,
		HasNoData: g.hasNoData,
		SRS:       g.srs,
	}, nil
}

// blockRows returns the number of rows stored in the block at row
// blockRow. The last strip of a stripped image may be short.
func (g *GeoTIFF) blockRows(blockRow int) int {
	if g.tiled {
		return g.blockLength
	}
	return min(g.blockLength, g.imageLength-blockRow*g.blockLength)
}

// getCompressedBlockData returns the compressed data for the block at
// localBlockCoord. If the block is known to be empty, it returns the error
// otter.ErrNotFound.
func (g *GeoTIFF) getCompressedBlockData(localBlockCoord TileCoord) ([]byte, error) {
	blockIndex := localBlockCoord.C + g.blocksAcross*localBlockCoord.R
	blockByteCount := g.blockByteCounts[blockIndex]
	blockOffset := g.blockOffsets[blockIndex]
	if blockByteCount == 0 {
		return nil, otter.ErrNotFound
	}
	compressedData := make([]byte, blockByteCount)
	switch n, err := g.r.ReadAt(compressedData, int64(blockOffset)); {
	case n == int(blockByteCount):
		// ReadAt may return io.EOF with a full read at the end of the file.
	case err != nil:
		return nil, err
	default:
		return nil, errShortRead
	}
	if g.emptyBlockBytes != nil && bytes.Equal(compressedData, g.emptyBlockBytes) {
		return nil, otter.ErrNotFound
	}
	return compressedData, nil
}

// decompressBlockData decompresses compressedData into size bytes.
func (g *GeoTIFF) decompressBlockData(compressedData []byte, size int) ([]byte, error) {
	var r io.Reader
	switch g.compression {
	case compressionNone:
		if len(compressedData) < size {
			return nil, errShortRead
		}
		return compressedData[:size], nil
	case compressionLZW:
		lzwReader := lzw.NewReader(bytes.NewReader(compressedData), lzw.MSB, 8)
		defer lzwReader.Close()
		r = lzwReader
	default:
		zlibReader, err := zlib.NewReader(bytes.NewReader(compressedData))
		if err != nil {
			return nil, err
		}
		defer zlibReader.Close()
		r = zlibReader
	}
	blockData := make([]byte, size)
	if _, err := io.ReadFull(r, blockData); err != nil {
		return nil, err
	}
	return blockData, nil
}

// undoPredictor reverses the TIFF predictor in place.
func (g *GeoTIFF) undoPredictor(blockData []byte, rows int) {
	rowBytes := g.blockWidth * g.bytesPerSample
	for y := range rows {
		row := blockData[y*rowBytes : (y+1)*rowBytes]
		switch g.predictor {
		case predictorHorizontal:
			undoHorizontalDifferencing(row, g.bytesPerSample, g.byteOrder)
		case predictorFloatingPoint:
			undoFloatingPointPredictor(row, g.bytesPerSample, g.byteOrder)
		}
	}
}

func undoHorizontalDifferencing(row []byte, bytesPerSample int, byteOrder binary.ByteOrder) {
	switch bytesPerSample {
	case 1:
		for i := 1; i < len(row); i++ {
			row[i] += row[i-1]
		}
	case 2:
		for i := 2; i < len(row); i += 2 {
			byteOrder.PutUint16(row[i:], byteOrder.Uint16(row[i:])+byteOrder.Uint16(row[i-2:]))
		}
	case 4:
		for i := 4; i < len(row); i += 4 {
			byteOrder.PutUint32(row[i:], byteOrder.Uint32(row[i:])+byteOrder.Uint32(row[i-4:]))
		}
	}
}

// undoFloatingPointPredictor reverses the floating point predictor, which
// stores byte-wise differences of samples split into big endian byte planes.
func undoFloatingPointPredictor(row []byte, bytesPerSample int, byteOrder binary.ByteOrder) {
	for i := 1; i < len(row); i++ {
		row[i] += row[i-1]
	}
	width := len(row) / bytesPerSample
	shuffled := bytes.Clone(row)
	sample := make([]byte, bytesPerSample)
	for i := range width {
		for b := range bytesPerSample {
			sample[b] = shuffled[b*width+i]
		}
		if byteOrder == binary.LittleEndian {
			for b := range bytesPerSample {
				row[i*bytesPerSample+b] = sample[bytesPerSample-1-b]
			}
		} else {
			copy(row[i*bytesPerSample:], sample)
		}
	}
}

// decodeBlockData decodes blockData into samples, replacing no data values
// with NaN.
func (g *GeoTIFF) decodeBlockData(blockData []byte) []float64 {
	n := len(blockData) / g.bytesPerSample
	blockSamples := make([]float64, n)
	for i := range n {
		b := blockData[i*g.bytesPerSample : (i+1)*g.bytesPerSample]
		var sample float64
		switch g.sampleFormat {
		case sampleFormatFloat:
			if g.bytesPerSample == 4 {
				sample = float64(math.Float32frombits(g.byteOrder.Uint32(b)))
			} else {
				sample = math.Float64frombits(g.byteOrder.Uint64(b))
			}
		case sampleFormatInt:
			switch g.bytesPerSample {
			case 1:
				sample = float64(int8(b[0]))
			case 2:
				sample = float64(int16(g.byteOrder.Uint16(b)))
			case 4:
				sample = float64(int32(g.byteOrder.Uint32(b)))
			}
		default:
			switch g.bytesPerSample {
			case 1:
				sample = float64(b[0])
			case 2:
				sample = float64(g.byteOrder.Uint16(b))
			case 4:
				sample = float64(g.byteOrder.Uint32(b))
			}
		}
		if g.isNoData(sample) {
			sample = math.NaN()
		}
		blockSamples[i] = sample
	}
	return blockSamples
}

// isNoData compares in the precision of the stored samples, as GDAL writes
// the no data value of float32 rasters with float64 precision.
func (g *GeoTIFF) isNoData(sample float64) bool {
	if !g.hasNoData {
		return false
	}
	if g.sampleFormat == sampleFormatFloat && g.bytesPerSample == 4 {
		return float32(sample) == float32(g.noData)
	}
	return sample == g.noData
}

// getBlockSamples returns the block samples at localBlockCoord.
func (g *GeoTIFF) getBlockSamples(ctx context.Context, localBlockCoord TileCoord) ([]float64, error) {
	// Retrieve the compressed block data.
	compressedBlockData, err := g.getCompressedBlockData(localBlockCoord)
	if err != nil {
		return nil, err
	}

	// Decompress the block data and decode it.
	rows := g.blockRows(localBlockCoord.R)
	blockData, err := g.decompressBlockData(compressedBlockData, g.blockWidth*rows*g.bytesPerSample)
	if err != nil {
		return nil, err
	}
	g.undoPredictor(blockData, rows)
	blockSamples := g.decodeBlockData(blockData)

	// If we do not know what an empty block looks like compressed, check to
	// see if this is an empty block, and, if so, use its bytes to detect
	// empty blocks before they are decompressed. We assume that the empty
	// block is the smallest block.
	if g.emptyBlockBytes == nil && g.tiled && len(compressedBlockData) == int(g.smallestBlockByteCount) {
		isEmptyBlock := true
		for _, sample := range blockSamples {
			if !math.IsNaN(sample) {
				isEmptyBlock = false
				break
			}
		}
		if isEmptyBlock {
			g.emptyBlockBytes = compressedBlockData
			return nil, otter.ErrNotFound
		}
	}

	return blockSamples, nil
}

// getBlockSamplesCached returns the block at localBlockCoord using g's cache.
func (g *GeoTIFF) getBlockSamplesCached(ctx context.Context, localBlockCoord TileCoord) ([]float64, error) {
	return g.blockSamplesCache.Get(ctx, localBlockCoord, otter.LoaderFunc[TileCoord, []float64](g.getBlockSamples))
}

// localCoord returns the cell containing the world coordinate coord.
func (g *GeoTIFF) localCoord(coord Coord) (Coord, bool) {
	x, y := float64(coord.X), float64(coord.Y)
	if g.transform[2] == 0 && g.transform[4] == 0 {
		// Division is exact on cell boundaries where the inverse is not.
		x = (x - g.transform[0]) / g.transform[1]
		y = (y - g.transform[3]) / g.transform[5]
	} else {
		x, y = g.inverse.Apply(x, y)
	}
	localCoord := Coord{
		X: int(math.Floor(x)),
		Y: int(math.Floor(y)),
	}
	if localCoord.X < 0 || g.imageWidth <= localCoord.X || localCoord.Y < 0 || g.imageLength <= localCoord.Y {
		return Coord{}, false
	}
	return localCoord, true
}

// localBlockCoord returns the block containing localCoord.
func (g *GeoTIFF) localBlockCoord(localCoord Coord) TileCoord {
	return TileCoord{
		C: localCoord.X / g.blockWidth,
		R: localCoord.Y / g.blockLength,
	}
}

// blockSample returns the sample from blockSamples at localCoord.
func (g *GeoTIFF) blockSample(blockSamples []float64, localCoord Coord) float64 {
	return blockSamples[localCoord.X%g.blockWidth+(localCoord.Y%g.blockLength)*g.blockWidth]
}
