package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/schoolpool/ridesync/internal/middleware"
	"github.com/schoolpool/ridesync/snapshot"
	"github.com/schoolpool/ridesync/status"
)

func (a *API) listRidesHandler(c *gin.Context) {
	logger := middleware.GetLogger(c)

	opts := snapshot.ListOptions{
		Status: status.RideStatus(c.Query("status")),
		Role:   c.Query("role"),
	}
	if raw := c.Query("pageSize"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": "pageSize must be a positive integer"})
			return
		}
		opts.PageSize = n
	}

	rides, err := a.fetcher.ListRides(c.Request.Context(), opts)
	if err != nil {
		logger.ErrorContext(c, "failed to list rides", "error", err)
		writeFetchError(c, err)
		return
	}
	c.JSON(http.StatusOK, rides)
}

// rideViewHandler serves the reconciled view, seeding it from a snapshot
// when the ride is not resident yet.
func (a *API) rideViewHandler(c *gin.Context) {
	logger := middleware.GetLogger(c)
	rideID := c.Param("rideId")

	if v, ok := a.coord.View(rideID); ok && c.Query("refresh") == "" {
		c.JSON(http.StatusOK, v)
		return
	}

	if err := a.coord.Refresh(c.Request.Context(), rideID); err != nil {
		logger.ErrorContext(c, "failed to refresh ride view", "ride_id", rideID, "error", err)
		writeFetchError(c, err)
		return
	}

	v, ok := a.coord.View(rideID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": "RIDE_NOT_FOUND", "message": "Ride not found"})
		return
	}
	c.JSON(http.StatusOK, v)
}

func (a *API) projectionHandler(c *gin.Context) {
	rideID := c.Param("rideId")
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": "userId is required"})
		return
	}

	p, ok := a.coord.Project(rideID, userID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": "RIDE_NOT_FOUND", "message": "Ride not found"})
		return
	}
	c.JSON(http.StatusOK, p)
}

// streamHandler pushes every reconciled update for a ride as server-sent
// events until the client goes away. Disconnecting cancels the
// subscription, which in turn tears down per-ride resources when it was
// the last one.
func (a *API) streamHandler(c *gin.Context) {
	logger := middleware.GetLogger(c)
	rideID := c.Param("rideId")

	sub := a.coord.Subscribe(c.Request.Context(), rideID)
	defer sub.Cancel()

	if _, ok := a.coord.View(rideID); !ok {
		if err := a.coord.Refresh(c.Request.Context(), rideID); err != nil {
			logger.ErrorContext(c, "failed to seed ride stream", "ride_id", rideID, "error", err)
			writeFetchError(c, err)
			return
		}
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case u, ok := <-sub.C:
			if !ok {
				return false
			}
			if u.Err != nil {
				c.SSEvent("error", gin.H{"message": u.Err.Error()})
				return true
			}
			c.SSEvent("ride", u.View)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func writeFetchError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, snapshot.ErrAuthExpired):
		c.JSON(http.StatusUnauthorized, gin.H{"code": "AUTH_EXPIRED", "message": "Authentication expired"})
	case errors.Is(err, snapshot.ErrNetworkUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "NETWORK_UNAVAILABLE", "message": "Backend unreachable"})
	default:
		var derr *snapshot.DomainError
		if errors.As(err, &derr) {
			c.JSON(http.StatusBadGateway, gin.H{"code": derr.Code, "message": derr.Message})
			return
		}
		var dec *snapshot.DecodingError
		if errors.As(err, &dec) {
			c.JSON(http.StatusBadGateway, gin.H{"code": "DECODING_ERROR", "message": "Malformed backend response"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
