package telemetry

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sparing.org/internal/audit"
	"sparing.org/internal/auth"
	"sparing.org/internal/obs"
)

const deviceSecret = "device-secret-0123"

func signDevice(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func point(ts time.Time, ph, cod, tss, debit float64) DevicePoint {
	return DevicePoint{Datetime: UnixTime{ts}, PH: f64(ph), COD: f64(cod), TSS: f64(tss), Debit: f64(debit)}
}

func TestDeviceDecoderVerifiesSignature(t *testing.T) {
	dec, err := NewDeviceDecoder(deviceSecret, func() time.Time { return testNow })
	require.NoError(t, err)

	later := testNow.Add(time.Minute)
	batch, err := dec.Decode(signDevice(t, deviceSecret, jwt.MapClaims{
		"uid": "SITE-A",
		"data": []any{
			map[string]any{"datetime": testNow.Unix(), "ph": 7.1, "cod": 20, "tss": 30, "debit": 1.5},
			map[string]any{"datetime": strconv.FormatInt(later.Unix(), 10), "ph": 6.5, "cod": 0, "tss": 0, "debit": 0},
		},
	}))
	require.NoError(t, err)
	assert.Equal(t, "SITE-A", batch.UID)
	require.Len(t, batch.Data, 2)
	assert.True(t, batch.Data[0].Datetime.Equal(testNow))
	assert.True(t, batch.Data[1].Datetime.Equal(later))
	assert.Equal(t, 7.1, *batch.Data[0].PH)
	assert.Equal(t, 0.0, *batch.Data[1].COD)

	_, err = dec.Decode(signDevice(t, "some-other-secret", jwt.MapClaims{"uid": "SITE-A"}))
	assert.ErrorIs(t, err, auth.ErrTokenMalformed)

	_, err = dec.Decode(signDevice(t, deviceSecret, jwt.MapClaims{"uid": "SITE-A", "exp": testNow.Add(-time.Minute).Unix()}))
	assert.ErrorIs(t, err, auth.ErrTokenExpired)

	_, err = dec.Decode("not.a.token")
	assert.ErrorIs(t, err, auth.ErrTokenMalformed)

	_, err = dec.Decode("  ")
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)

	_, err = NewDeviceDecoder(" ", nil)
	assert.Error(t, err)
}

func TestDeviceDecoderRejectsOtherAlgorithms(t *testing.T) {
	dec, err := NewDeviceDecoder(deviceSecret, nil)
	require.NoError(t, err)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{"uid": "SITE-A"}).SignedString([]byte(deviceSecret))
	require.NoError(t, err)
	_, err = dec.Decode(token)
	assert.ErrorIs(t, err, auth.ErrTokenMalformed)
}

func TestIngestDeviceStoresBatch(t *testing.T) {
	pub := &capturePublisher{}
	fx := newFixture(t, nil, WithPublisher(pub))
	ctx := context.Background()
	batch := DeviceBatch{UID: "SITE-A", Data: []DevicePoint{
		point(testNow.Add(-time.Minute), 7, 10, 20, 1),
		point(testNow, 7.2, 0, 0, 0),
	}}

	created, err := fx.pipeline.IngestDevice(ctx, "10.1.1.1", batch)
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, 2, fx.store.Len())
	assert.Len(t, pub.readings, 2)

	stored, _, err := fx.store.ListReadings(ctx, ListFilter{Ascending: true})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, SourceDevice, stored[0].Source)
	assert.Equal(t, fx.siteA.ID, stored[0].SiteID)
	assert.True(t, stored[0].Timestamp.Equal(testNow.Add(-time.Minute)))
	assert.Equal(t, 0.0, *stored[1].TSS)

	entries := fx.sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.OutcomeOK, entries[0].Outcome)
	assert.Equal(t, SourceDevice, entries[0].UserID)
	assert.Equal(t, "SITE-A", entries[0].SiteUID)
	assert.Equal(t, created[0], entries[0].ReadingID)
	assert.Equal(t, "10.1.1.1", entries[0].SourceAddress)
}

func TestIngestDeviceRejectsWholeBatch(t *testing.T) {
	good := point(testNow, 7, 10, 20, 1)
	missingPH := good
	missingPH.PH = nil
	undated := good
	undated.Datetime = UnixTime{}
	tooMany := make([]DevicePoint, MaxDevicePoints+1)
	for i := range tooMany {
		tooMany[i] = good
	}

	cases := []struct {
		name   string
		batch  DeviceBatch
		want   error
		detail string
	}{
		{"ph above 14", DeviceBatch{UID: "SITE-A", Data: []DevicePoint{good, point(testNow, 14.5, 10, 20, 1)}}, ErrInvalidRange, "data[1].ph out of range (lte=14)"},
		{"negative cod", DeviceBatch{UID: "SITE-A", Data: []DevicePoint{point(testNow, 7, -1, 20, 1), good}}, ErrInvalidRange, "data[0].cod out of range (gte=0)"},
		{"negative debit", DeviceBatch{UID: "SITE-A", Data: []DevicePoint{point(testNow, 7, 1, 20, -0.1)}}, ErrInvalidRange, "data[0].debit out of range (gte=0)"},
		{"missing ph", DeviceBatch{UID: "SITE-A", Data: []DevicePoint{good, missingPH}}, ErrInvalidInput, "data[1].ph is required"},
		{"missing datetime", DeviceBatch{UID: "SITE-A", Data: []DevicePoint{undated}}, ErrInvalidInput, "data[0].datetime is required"},
		{"empty", DeviceBatch{UID: "SITE-A"}, ErrInvalidInput, ""},
		{"too many", DeviceBatch{UID: "SITE-A", Data: tooMany}, ErrInvalidInput, ""},
		{"unknown uid", DeviceBatch{UID: "SITE-X", Data: []DevicePoint{good}}, auth.ErrUnauthenticated, "unknown site uid"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture(t, nil)
			created, err := fx.pipeline.IngestDevice(context.Background(), "", tc.batch)
			require.ErrorIs(t, err, tc.want)
			assert.Empty(t, created)
			assert.Zero(t, fx.store.Len())

			entries := fx.sink.Entries()
			require.Len(t, entries, 1)
			assert.Equal(t, audit.OutcomeError, entries[0].Outcome)
			if tc.detail != "" {
				assert.Contains(t, entries[0].Error, tc.detail)
			}
		})
	}
}

func TestIngestDeviceStoreFailure(t *testing.T) {
	mem := NewInMemory()
	mem.AddSite("SITE-A", "Outfall A")
	sink := audit.NewMemorySink()
	rec, err := audit.NewRecorder(sink, audit.WithLogger(obs.Discard()))
	require.NoError(t, err)
	p, err := NewPipeline(&failingStore{InMemory: mem, insertErr: errors.New("connection reset")}, rec, WithLogger(obs.Discard()))
	require.NoError(t, err)

	_, err = p.IngestDevice(context.Background(), "", DeviceBatch{UID: "SITE-A", Data: []DevicePoint{point(testNow, 7, 1, 1, 1)}})
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.Len(t, sink.Entries(), 1)
	assert.Equal(t, "store unavailable", sink.Entries()[0].Error)
}

func TestUnixTimeDecoding(t *testing.T) {
	cases := map[string]int64{
		`1775813400`:   1775813400,
		`"1775813400"`: 1775813400,
		`1775813400.9`: 1775813400,
	}
	for raw, want := range cases {
		var u UnixTime
		require.NoError(t, u.UnmarshalJSON([]byte(raw)), raw)
		assert.Equal(t, want, u.Unix(), raw)
		assert.Equal(t, time.UTC, u.Location(), raw)
	}

	var empty UnixTime
	require.NoError(t, empty.UnmarshalJSON([]byte(`null`)))
	assert.True(t, empty.IsZero())

	var bad UnixTime
	assert.Error(t, bad.UnmarshalJSON([]byte(`"yesterday"`)))
}
