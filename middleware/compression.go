package middleware

import (
	"bytes"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/types"
	"github.com/saiset-co/sai-directory/utils"
)

const (
	EncodingBrotli   = "br"
	EncodingGzip     = "gzip"
	DefaultLevel     = 6
	DefaultThreshold = 1024
)

type CompressionMiddleware struct {
	logger            types.Logger
	compressionConfig *CompressionConfig
	weight            int
	brotliPool        sync.Pool
}

type CompressionConfig struct {
	Level        int      `json:"level"`
	Threshold    int      `json:"threshold"`
	AllowedTypes []string `json:"allowed_types"`
}

func NewCompressionMiddleware(item *types.MiddlewareItemConfig, logger types.Logger) *CompressionMiddleware {
	compressionConfig := &CompressionConfig{
		Level:        DefaultLevel,
		Threshold:    DefaultThreshold,
		AllowedTypes: []string{"application/json", "text/*"},
	}

	if params := paramsOf(item); params != nil {
		if err := utils.UnmarshalConfig(params, compressionConfig); err != nil {
			logger.Error("Failed to unmarshal Compression middleware config", zap.Error(err))
		}
	}
	if compressionConfig.Level < 0 || compressionConfig.Level > 9 {
		logger.Warn("Invalid compression level, using default", zap.Int("level", compressionConfig.Level))
		compressionConfig.Level = DefaultLevel
	}

	cm := &CompressionMiddleware{
		logger:            logger,
		compressionConfig: compressionConfig,
		weight:            weightOf(NameCompression, item),
	}
	cm.brotliPool.New = func() interface{} {
		return brotli.NewWriterLevel(nil, compressionConfig.Level)
	}
	return cm
}

func (cm *CompressionMiddleware) Name() string { return NameCompression }
func (cm *CompressionMiddleware) Weight() int  { return cm.weight }

func (cm *CompressionMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	next(ctx)

	encoding := negotiate(ctx.Request.Header.Peek(fasthttp.HeaderAcceptEncoding))
	if encoding == "" || !cm.shouldCompress(ctx) {
		return
	}

	body := ctx.Response.Body()

	var compressed []byte
	switch encoding {
	case EncodingBrotli:
		var err error
		if compressed, err = cm.brotli(body); err != nil {
			cm.logger.Warn("Brotli compression failed", zap.Error(err))
			return
		}
	case EncodingGzip:
		compressed = fasthttp.AppendGzipBytesLevel(nil, body, cm.compressionConfig.Level)
	}

	if len(compressed) >= len(body) {
		return
	}

	ctx.Response.SetBodyRaw(compressed)
	ctx.Response.Header.Set(fasthttp.HeaderContentEncoding, encoding)
	ctx.Response.Header.Add(fasthttp.HeaderVary, fasthttp.HeaderAcceptEncoding)
}

func (cm *CompressionMiddleware) shouldCompress(ctx *fasthttp.RequestCtx) bool {
	if len(ctx.Response.Header.Peek(fasthttp.HeaderContentEncoding)) > 0 {
		return false
	}
	if len(ctx.Response.Body()) < cm.compressionConfig.Threshold {
		return false
	}

	contentType := string(ctx.Response.Header.ContentType())
	if semi := strings.IndexByte(contentType, ';'); semi >= 0 {
		contentType = contentType[:semi]
	}
	contentType = strings.TrimSpace(strings.ToLower(contentType))

	for _, allowed := range cm.compressionConfig.AllowedTypes {
		if prefix, ok := strings.CutSuffix(allowed, "*"); ok {
			if strings.HasPrefix(contentType, prefix) {
				return true
			}
			continue
		}
		if contentType == allowed {
			return true
		}
	}
	return false
}

func (cm *CompressionMiddleware) brotli(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(body) / 2)

	writer := cm.brotliPool.Get().(*brotli.Writer)
	defer cm.brotliPool.Put(writer)
	writer.Reset(&buf)

	if _, err := writer.Write(body); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// negotiate prefers brotli over gzip. Quality values are not weighed beyond
// an explicit q=0 refusal.
func negotiate(header []byte) string {
	if len(header) == 0 {
		return ""
	}

	var brotliOK, gzipOK bool
	for _, part := range strings.Split(string(header), ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.ReplaceAll(strings.TrimSpace(params), " ", "") == "q=0" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case EncodingBrotli:
			brotliOK = true
		case EncodingGzip:
			gzipOK = true
		}
	}

	switch {
	case brotliOK:
		return EncodingBrotli
	case gzipOK:
		return EncodingGzip
	}
	return ""
}
