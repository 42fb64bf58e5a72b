package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"

	"sparing.org/internal/audit"
	"sparing.org/internal/auth"
	"sparing.org/internal/ids"
)

const (
	// MaxDevicePoints bounds the samples carried by one device token.
	MaxDevicePoints = 30
	// SourceDevice tags readings and audit entries written by field devices.
	SourceDevice = "getdata"

	deviceRole = "device"
)

// UnixTime is a sample time in epoch seconds, sent as a number or a numeric string.
// Fractions are truncated.
type UnixTime struct {
	time.Time
}

func (u *UnixTime) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if raw == "" || raw == "null" {
		return nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("datetime must be epoch seconds: %w", err)
	}
	u.Time = time.Unix(int64(secs), 0).UTC()
	return nil
}

// DevicePoint is one sample of a device batch. All four channels are mandatory.
type DevicePoint struct {
	Datetime UnixTime `json:"datetime" validate:"-"`
	PH       *float64 `json:"ph" validate:"required,gte=0,lte=14"`
	COD      *float64 `json:"cod" validate:"required,gte=0"`
	TSS      *float64 `json:"tss" validate:"required,gte=0"`
	Debit    *float64 `json:"debit" validate:"required,gte=0"`
}

// DeviceBatch is the payload of a device token: the site it reports for and its samples.
type DeviceBatch struct {
	UID  string        `json:"uid"`
	Data []DevicePoint `json:"data"`
}

type deviceClaims struct {
	DeviceBatch
	jwt.RegisteredClaims
}

// DeviceDecoder verifies HS256 tokens signed by field devices. Devices hold a
// shared key instead of a user session, so exp is honoured when present but not
// required.
type DeviceDecoder struct {
	secret []byte
	now    func() time.Time
}

// NewDeviceDecoder returns a decoder for tokens signed with secret. A nil now uses time.Now.
func NewDeviceDecoder(secret string, now func() time.Time) (*DeviceDecoder, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("telemetry: device secret is required")
	}
	if now == nil {
		now = time.Now
	}
	return &DeviceDecoder{secret: []byte(secret), now: now}, nil
}

// Decode verifies token and returns the batch it carries. Errors are
// auth.ErrUnauthenticated, auth.ErrTokenExpired or auth.ErrTokenMalformed.
func (d *DeviceDecoder) Decode(token string) (DeviceBatch, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return DeviceBatch{}, auth.ErrUnauthenticated
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(d.now),
	)
	var claims deviceClaims
	_, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return d.secret, nil
	})
	switch {
	case err == nil:
		return claims.DeviceBatch, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return DeviceBatch{}, auth.ErrTokenExpired
	default:
		return DeviceBatch{}, auth.ErrTokenMalformed
	}
}

// IngestDevice stores a verified device batch for the site it names. The batch is
// all or nothing: one bad sample rejects the request and nothing is written. A
// single audit entry covers the request.
func (p *Pipeline) IngestDevice(ctx context.Context, source string, batch DeviceBatch) (created []string, err error) {
	entry := audit.Entry{
		SourceAddress: source,
		UserID:        SourceDevice,
		Role:          deviceRole,
		SiteUID:       batch.UID,
	}
	defer func() {
		var res Result
		if len(created) > 0 {
			res.ID = created[0]
		}
		p.finish(ctx, entry, res, err)
	}()

	if n := len(batch.Data); n == 0 || n > MaxDevicePoints {
		return nil, fmt.Errorf("%w: data must hold 1 to %d samples", ErrInvalidInput, MaxDevicePoints)
	}
	site, err := p.resolveSite(ctx, batch.UID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown site uid %q", auth.ErrUnauthenticated, batch.UID)
		}
		return nil, err
	}

	now := p.now().UTC()
	readings := make([]Reading, len(batch.Data))
	for i, pt := range batch.Data {
		if err := p.checkDevicePoint(i, pt); err != nil {
			return nil, err
		}
		readings[i] = Reading{
			ID:        ids.NewAt(now),
			SiteID:    site.ID,
			SiteUID:   site.UID,
			Timestamp: pt.Datetime.UTC(),
			Measurements: Measurements{
				PH:    pt.PH,
				COD:   pt.COD,
				TSS:   pt.TSS,
				Debit: pt.Debit,
			},
			Source:    SourceDevice,
			CreatedAt: now,
		}
	}

	if err := p.store.InsertReadings(ctx, readings); err != nil {
		return nil, unavailable("insert device batch", err)
	}
	created = make([]string, len(readings))
	for i, r := range readings {
		created[i] = r.ID
		if p.publisher != nil {
			p.publisher.Publish(r)
		}
	}
	return created, nil
}

func (p *Pipeline) checkDevicePoint(i int, pt DevicePoint) error {
	if pt.Datetime.IsZero() {
		return fmt.Errorf("%w: data[%d].datetime is required", ErrInvalidInput, i)
	}
	err := p.validate.Struct(pt)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := fmt.Sprintf("data[%d].%s", i, fe.Field())
		if fe.Tag() == "required" {
			return fmt.Errorf("%w: %s is required", ErrInvalidInput, field)
		}
		return &RangeError{Field: field, Rule: fe.Tag() + "=" + fe.Param()}
	}
	return fmt.Errorf("%w: %v", ErrInvalidInput, err)
}
