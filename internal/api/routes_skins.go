package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/blockbridge/internal/skin"
)

// handleResizeSkin scales an uploaded PNG skin. The image is either the raw
// request body or a multipart "skin" field. The target comes from the
// width and height query parameters, or from mode=hires|classic.
func (s *Server) handleResizeSkin(c *gin.Context) {
	width, height, err := resizeTarget(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	limit := int64(s.cfg.MaxUploadKB) << 10
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	data, err := readSkinUpload(c)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "skin exceeds upload limit"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := skin.Resize(data, width, height)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, skin.ErrEmpty) || errors.Is(err, skin.ErrDecode) || errors.Is(err, skin.ErrBadDimensions) {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.Data(http.StatusOK, "image/png", out)
}

func resizeTarget(c *gin.Context) (int, int, error) {
	switch c.Query("mode") {
	case "hires":
		return skin.HiResSize, skin.HiResSize, nil
	case "classic":
		return skin.ClassicSize, skin.ClassicSize, nil
	case "":
	default:
		return 0, 0, errors.New("mode must be hires or classic")
	}

	width, err := strconv.Atoi(c.DefaultQuery("width", strconv.Itoa(skin.HiResSize)))
	if err != nil {
		return 0, 0, errors.New("invalid width")
	}
	height, err := strconv.Atoi(c.DefaultQuery("height", strconv.Itoa(width)))
	if err != nil {
		return 0, 0, errors.New("invalid height")
	}
	return width, height, nil
}

func readSkinUpload(c *gin.Context) ([]byte, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("skin")
		if err != nil {
			return nil, err
		}
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}
	return io.ReadAll(c.Request.Body)
}
