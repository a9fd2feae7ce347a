package api

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"shuttle-tracker/internal/models"
	"shuttle-tracker/internal/tracking"
)

// HardwareCode is the int32 result code returned to van hardware
type HardwareCode int32

const (
	HardwareOK HardwareCode = iota
	HardwareTimestampTooFarInPast
	HardwareTimestampInFuture
	HardwareCreateNewSession
	HardwareMalformedPayload
	HardwareInternal
)

// Body sizes of the binary requests
const (
	RouteSelectSize = 4
	LocationSize    = 24
)

// HardwareErrorHeader carries the symbolic name of the result code
const HardwareErrorHeader = "X-Hardware-Error"

// ErrMalformedPayload is returned for bodies that do not decode
var ErrMalformedPayload = errors.New("malformed payload")

var hardwareNames = map[HardwareCode]string{
	HardwareOK:                    "OK",
	HardwareTimestampTooFarInPast: "TIMESTAMP_TOO_FAR_IN_PAST",
	HardwareTimestampInFuture:     "TIMESTAMP_IN_FUTURE",
	HardwareCreateNewSession:      "CREATE_NEW_SESSION",
	HardwareMalformedPayload:      "MALFORMED_PAYLOAD",
	HardwareInternal:              "INTERNAL",
}

// String returns the symbolic name sent in the error header
func (c HardwareCode) String() string {
	if name, ok := hardwareNames[c]; ok {
		return name
	}
	return fmt.Sprintf("HardwareCode(%d)", int32(c))
}

// HTTPStatus is the status line sent with the code
func (c HardwareCode) HTTPStatus() int {
	switch c {
	case HardwareOK:
		return http.StatusOK
	case HardwareInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// hardwareCodeFor maps a service error to the code the van understands
func hardwareCodeFor(err error) HardwareCode {
	switch {
	case err == nil:
		return HardwareOK
	case errors.Is(err, tracking.ErrStaleTimestamp):
		return HardwareTimestampTooFarInPast
	case errors.Is(err, tracking.ErrFutureTimestamp):
		return HardwareTimestampInFuture
	case errors.Is(err, tracking.ErrNoActiveSession), errors.Is(err, tracking.ErrEmptyRoute):
		return HardwareCreateNewSession
	case errors.Is(err, ErrMalformedPayload):
		return HardwareMalformedPayload
	default:
		return HardwareInternal
	}
}

// DecodeRouteSelect decodes a little-endian int32 route id
func DecodeRouteSelect(body []byte) (int32, error) {
	if len(body) != RouteSelectSize {
		return 0, fmt.Errorf("%w: route select body is %d bytes, want %d", ErrMalformedPayload, len(body), RouteSelectSize)
	}
	return int32(binary.LittleEndian.Uint32(body)), nil
}

// EncodeRouteSelect builds a route select body, as a van sends it
func EncodeRouteSelect(routeID int32) []byte {
	b := make([]byte, RouteSelectSize)
	binary.LittleEndian.PutUint32(b, uint32(routeID))
	return b
}

// DecodeLocation decodes uint64 epoch milliseconds, float64 latitude and
// float64 longitude, all little-endian
func DecodeLocation(body []byte) (models.LocationReport, error) {
	if len(body) != LocationSize {
		return models.LocationReport{}, fmt.Errorf("%w: location body is %d bytes, want %d", ErrMalformedPayload, len(body), LocationSize)
	}

	ms := binary.LittleEndian.Uint64(body[0:8])
	lat := math.Float64frombits(binary.LittleEndian.Uint64(body[8:16]))
	lon := math.Float64frombits(binary.LittleEndian.Uint64(body[16:24]))

	if ms > math.MaxInt64 {
		return models.LocationReport{}, fmt.Errorf("%w: timestamp overflows", ErrMalformedPayload)
	}
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return models.LocationReport{}, fmt.Errorf("%w: coordinate out of range", ErrMalformedPayload)
	}

	return models.LocationReport{
		Timestamp: time.UnixMilli(int64(ms)).UTC(),
		Latitude:  lat,
		Longitude: lon,
	}, nil
}

// EncodeLocation builds a location body, as a van sends it
func EncodeLocation(r models.LocationReport) []byte {
	b := make([]byte, LocationSize)
	binary.LittleEndian.PutUint64(b[0:8], uint64(r.Timestamp.UnixMilli()))
	binary.LittleEndian.PutUint64(b[8:16], math.Float64bits(r.Latitude))
	binary.LittleEndian.PutUint64(b[16:24], math.Float64bits(r.Longitude))
	return b
}

// DecodeHardwareResponse reads the int32 code from a response body
func DecodeHardwareResponse(body []byte) (HardwareCode, error) {
	if len(body) != 4 {
		return 0, fmt.Errorf("%w: response body is %d bytes", ErrMalformedPayload, len(body))
	}
	return HardwareCode(int32(binary.LittleEndian.Uint32(body))), nil
}

func writeHardware(w http.ResponseWriter, code HardwareCode) {
	w.Header().Set("Content-Type", "application/octet-stream")
	if code != HardwareOK {
		w.Header().Set(HardwareErrorHeader, code.String())
	}
	w.WriteHeader(code.HTTPStatus())
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(code))
	w.Write(b)
}

// readBody reads at most limit+1 bytes so oversized bodies are caught by
// the exact-size check in the decoders
func readBody(r *http.Request, limit int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, limit+1))
}

func (s *Server) handleBeginSession(w http.ResponseWriter, r *http.Request) {
	vanGUID := mux.Vars(r)["van_guid"]

	body, err := readBody(r, RouteSelectSize)
	if err != nil {
		writeHardware(w, HardwareMalformedPayload)
		return
	}
	routeID, err := DecodeRouteSelect(body)
	if err != nil {
		s.logger.Warn("bad route select", "van_guid", vanGUID, "error", err)
		writeHardware(w, HardwareMalformedPayload)
		return
	}

	if _, err := s.tracker.BeginSession(r.Context(), vanGUID, routeID); err != nil {
		s.logger.Error("begin session failed", "van_guid", vanGUID, "route_id", routeID, "error", err)
		writeHardware(w, hardwareCodeFor(err))
		return
	}
	writeHardware(w, HardwareOK)
}

func (s *Server) handleReportLocation(w http.ResponseWriter, r *http.Request) {
	vanGUID := mux.Vars(r)["van_guid"]

	body, err := readBody(r, LocationSize)
	if err != nil {
		writeHardware(w, HardwareMalformedPayload)
		return
	}
	report, err := DecodeLocation(body)
	if err != nil {
		s.logger.Warn("bad location payload", "van_guid", vanGUID, "error", err)
		writeHardware(w, HardwareMalformedPayload)
		return
	}

	_, err = s.tracker.ReportLocation(r.Context(), vanGUID, report)
	code := hardwareCodeFor(err)
	if code == HardwareInternal {
		s.logger.Error("report location failed", "van_guid", vanGUID, "error", err)
	}
	writeHardware(w, code)
}
