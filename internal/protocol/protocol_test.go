package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	testCases := []struct {
		name    string
		input   string
		want    Message
		wantErr error
	}{
		{
			name:  "register with id",
			input: `{"type":"register","device_id":"ESP-001","firmware_version":"1.2.0"}`,
			want:  &Register{DeviceID: "ESP-001", FirmwareVersion: "1.2.0"},
		},
		{
			name:  "confirm plan",
			input: `{"type":"confirm_feeding_plan","device_id":"ESP-001","day_of_week":2,"hour":7,"minute":30,"feeding_amount":20}`,
			want:  &ConfirmFeedingPlan{DeviceID: "ESP-001", DayOfWeek: 2, Hour: 7, Minute: 30, FeedingAmount: 20},
		},
		{
			name:  "delete confirmation without amount",
			input: `{"type":"confirm_delete_manual_feeding","hour":8,"minute":0}`,
			want:  &ConfirmDeleteManualFeeding{Hour: 8},
		},
		{
			name:    "unknown kind",
			input:   `{"type":"launch_rocket"}`,
			wantErr: ErrUnknownKind,
		},
		{
			name:    "missing type",
			input:   `{"device_id":"ESP-001"}`,
			wantErr: ErrMalformed,
		},
		{
			name:    "not json",
			input:   `hello`,
			wantErr: ErrMalformed,
		},
		{
			name:    "wrong field type",
			input:   `{"type":"confirm_feeding_plan","hour":"seven"}`,
			wantErr: ErrMalformed,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode([]byte(tc.input))
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecode_GrainWeight(t *testing.T) {
	testCases := []struct {
		name  string
		input string
		want  Weight
	}{
		{"number", `{"type":"grain_weight","grain_weight":512.5}`, Weight{Value: 512.5, Valid: true}},
		{"numeric string", `{"type":"grain_weight","grain_weight":"42"}`, Weight{Value: 42, Valid: true}},
		{"NaN string", `{"type":"grain_weight","grain_weight":"NaN"}`, Weight{}},
		{"Inf string", `{"type":"grain_weight","grain_weight":"+Inf"}`, Weight{}},
		{"garbage string", `{"type":"grain_weight","grain_weight":"heavy"}`, Weight{}},
		{"null", `{"type":"grain_weight","grain_weight":null}`, Weight{}},
		{"missing", `{"type":"grain_weight"}`, Weight{}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Decode([]byte(tc.input))
			require.NoError(t, err)
			gw, ok := msg.(*GrainWeight)
			require.True(t, ok)
			assert.Equal(t, tc.want, gw.GrainWeight)
		})
	}
}

func TestEncode_InjectsType(t *testing.T) {
	data, err := Encode(&AddFeedingPlan{PlanID: 3, DayOfWeek: 1, Hour: 6, Minute: 15, FeedingAmount: 12.5})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "add_feeding_plan", fields["type"])
	assert.Equal(t, float64(3), fields["plan_id"])
	assert.Equal(t, 12.5, fields["feeding_amount"])

	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, &AddFeedingPlan{PlanID: 3, DayOfWeek: 1, Hour: 6, Minute: 15, FeedingAmount: 12.5}, back)
}

func TestEncode_SyncResultWeight(t *testing.T) {
	data, err := Encode(&SyncResult{DeviceID: "ESP-002"})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Nil(t, fields["grain_weight"])
	assert.Equal(t, "sync_result", fields["type"])
}

func TestEpochTime(t *testing.T) {
	_, ok := EpochTime(0)
	assert.False(t, ok)

	ts, ok := EpochTime(1700000000.5)
	require.True(t, ok)
	assert.Equal(t, int64(1700000000), ts.Unix())
	assert.Equal(t, 500000000, ts.Nanosecond())
}
