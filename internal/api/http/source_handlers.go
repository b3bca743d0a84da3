package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/scripthost/internal/shared/paths"
	"github.com/GriffinCanCode/scripthost/internal/shared/utils"
)

// ListSources lists object paths matching the pattern query argument.
func (h *Handlers) ListSources(c *gin.Context) {
	done := h.metrics.TrackStoreOperation("list")
	pattern := c.DefaultQuery("pattern", "**")

	listed, err := h.store.List(c.Request.Context(), pattern)
	done(err)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pattern": pattern, "paths": listed, "count": len(listed)})
}

// GetSource returns an object's script.
func (h *Handlers) GetSource(c *gin.Context) {
	path, ok := cleanPath(c)
	if !ok {
		return
	}

	done := h.metrics.TrackStoreOperation("load")
	obj, err := h.store.Load(c.Request.Context(), path)
	done(err)
	if err != nil {
		h.abortWithError(c, err)
		return
	}

	c.Header("Last-Modified", obj.LastModified.UTC().Format(http.TimeFormat))
	c.Header("ETag", `"`+obj.Digest+`"`)
	c.Data(http.StatusOK, "application/javascript; charset=utf-8", []byte(obj.Source))
}

// PutSource replaces an object's script. The object's environment is
// rebuilt on its next use.
func (h *Handlers) PutSource(c *gin.Context) {
	path, ok := cleanPath(c)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, utils.MaxScriptSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	done := h.metrics.TrackStoreOperation("put")
	obj, err := h.store.Put(c.Request.Context(), path, string(body))
	done(err)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	h.invalidate(obj.Path)

	h.logger.Info("Object updated",
		zap.String("path", obj.Path),
		zap.String("digest", obj.Digest),
		zap.Int64("size", obj.Size),
	)
	c.JSON(http.StatusOK, gin.H{
		"path":         obj.Path,
		"digest":       obj.Digest,
		"size":         obj.Size,
		"lastModified": obj.LastModified.UTC(),
	})
}

// DeleteSource removes an object and drops its environment.
func (h *Handlers) DeleteSource(c *gin.Context) {
	path, ok := cleanPath(c)
	if !ok {
		return
	}

	done := h.metrics.TrackStoreOperation("delete")
	err := h.store.Delete(c.Request.Context(), path)
	done(err)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	h.invalidate(path)

	h.logger.Info("Object deleted", zap.String("path", path))
	c.Status(http.StatusNoContent)
}

// invalidate drops the cached environment for path, or every environment
// when path is a shared library.
func (h *Handlers) invalidate(path string) {
	if paths.IsLibraryPath(path) {
		h.manager.InvalidateAll()
		return
	}
	h.manager.Invalidate(path)
}

func cleanPath(c *gin.Context) (string, bool) {
	path, err := utils.CleanObjectPath(c.Param("path"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return path, true
}
