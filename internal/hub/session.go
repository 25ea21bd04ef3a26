package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pet-feeder-backend/internal/events"
	"pet-feeder-backend/internal/metrics"
	"pet-feeder-backend/internal/model"
	"pet-feeder-backend/internal/notification"
	"pet-feeder-backend/internal/protocol"
	"pet-feeder-backend/internal/reconcile"
	"pet-feeder-backend/internal/store"
	"pet-feeder-backend/internal/version"
)

// State is the phase of a session.
type State int

const (
	StateConnecting State = iota
	StateAwaitingRegistration
	StateDevice
	StateFrontend
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingRegistration:
		return "awaiting_registration"
	case StateDevice:
		return "device"
	case StateFrontend:
		return "frontend"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const (
	ackOK       = "ok"
	ackError    = "error"
	ackNotFound = "not_found"
	ackIgnored  = "ignored"
)

// Session is one WebSocket connection. Frames are handled one at a time in
// arrival order on the read loop; outbound frames go through a bounded
// queue drained by the write pump.
type Session struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	log  zerolog.Logger

	// state and deviceID are only touched by the read loop.
	state    State
	deviceID string

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

func newSession(h *Hub, conn *websocket.Conn, id string) *Session {
	return &Session{
		id:    id,
		hub:   h,
		conn:  conn,
		log:   log.With().Str("session", id).Logger(),
		state: StateConnecting,
		send:  make(chan []byte, sendQueue),
	}
}

// ID identifies the session.
func (s *Session) ID() string { return s.id }

// Send queues m for writing. It reports false once the session is closed or
// when its queue is full.
func (s *Session) Send(m protocol.Message) bool {
	b, err := protocol.Encode(m)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode frame")
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- b:
		s.hub.metrics.Frame(string(m.Kind()), metrics.Outbound)
		return true
	default:
		s.log.Warn().Str("kind", string(m.Kind())).Msg("send queue full, frame dropped")
		return false
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

func (s *Session) readLoop() {
	defer s.finish()

	s.conn.SetReadLimit(s.hub.cfg.ReadLimitBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	s.state = StateAwaitingRegistration

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Msg("connection lost")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		m, err := protocol.Decode(data)
		if err != nil {
			reason := "malformed"
			if errors.Is(err, protocol.ErrUnknownKind) {
				reason = "unknown_kind"
			}
			s.hub.metrics.FrameErrors.WithLabelValues(reason).Inc()
			s.log.Warn().Err(err).Msg("frame ignored")
			continue
		}
		s.hub.metrics.Frame(string(m.Kind()), metrics.Inbound)
		s.handle(context.Background(), m)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.log.Debug().Err(err).Msg("write failed")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// finish releases everything the session holds once the read loop ends.
func (s *Session) finish() {
	prev := s.state
	s.state = StateClosed
	s.close()

	switch prev {
	case StateDevice:
		if !s.markOffline() {
			s.log.Info().Msg("session closed after being superseded")
			return
		}
		s.hub.metrics.OnlineFlips.WithLabelValues("session", "offline").Inc()
		s.hub.events.Publish(s.deviceID, events.Offline, nil)
		s.hub.alerts.Notify(notification.Alert{
			DeviceID: s.deviceID,
			Kind:     notification.AlertDeviceState,
			Title:    "Feeder offline",
			Body:     s.deviceID + " disconnected from the hub.",
		})
		s.log.Info().Msg("device disconnected")
	case StateFrontend:
		s.hub.observers.remove(s)
		if n := s.hub.engine.Drop(s.id); n > 0 {
			s.log.Info().Int("waiters", n).Msg("dropped pending syncs")
		}
	}
}

// markOffline drops the registry slot and clears the online flag when no
// newer session holds the device. It reports whether the flag was cleared.
func (s *Session) markOffline() bool {
	s.hub.presence.Lock()
	defer s.hub.presence.Unlock()

	s.hub.registry.Unregister(s.deviceID, s)
	s.hub.metrics.ConnectedDevices.Set(float64(s.hub.registry.Len()))
	if _, ok := s.hub.registry.Lookup(s.deviceID); ok {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.hub.store.SetOnline(ctx, s.deviceID, false); err != nil {
		s.log.Error().Err(err).Msg("failed to mark device offline")
	}
	return true
}

func (s *Session) handle(ctx context.Context, m protocol.Message) {
	switch s.state {
	case StateAwaitingRegistration:
		s.handleFirst(ctx, m)
	case StateDevice:
		s.handleDevice(ctx, m)
	case StateFrontend:
		s.handleFrontend(m)
	}
}

func (s *Session) handleFirst(ctx context.Context, m protocol.Message) {
	switch msg := m.(type) {
	case *protocol.Register:
		if msg.Role == protocol.RoleFrontend {
			s.becomeFrontend()
			s.Send(&protocol.RegisterAck{Status: "success", Role: protocol.RoleFrontend})
			return
		}
		s.registerDevice(ctx, msg)
	case *protocol.SyncRequest:
		s.becomeFrontend()
		s.handleFrontend(msg)
	default:
		s.log.Warn().Str("kind", string(m.Kind())).Msg("frame before registration")
		s.ack(m.Kind(), ackError, "register first")
	}
}

func (s *Session) becomeFrontend() {
	s.state = StateFrontend
	s.hub.observers.add(s)
	s.log.Info().Msg("frontend connected")
}

func (s *Session) registerDevice(ctx context.Context, msg *protocol.Register) {
	info := model.VersionInfo{
		DeviceType:      msg.DeviceType,
		DeviceVersion:   msg.DeviceVersion,
		FirmwareVersion: msg.FirmwareVersion,
		ProtocolVersion: msg.ProtocolVersion,
		HardwareVersion: msg.HardwareVersion,
	}

	var (
		dev      *model.Device
		created  bool
		password string
		err      error
	)
	if msg.DeviceID == "" {
		dev, err = s.hub.store.EnrollDevice(ctx, s.hub.cfg.DeviceIDPrefix, s.hub.issuer.Hash(), info)
		created, password = true, s.hub.issuer.Password()
	} else {
		dev, created, err = s.hub.store.UpsertDevice(ctx, msg.DeviceID, s.hub.issuer.Hash(), info)
	}
	if err != nil {
		s.log.Error().Err(err).Str("device_id", msg.DeviceID).Msg("registration failed")
		s.Send(&protocol.RegisterAck{Status: ackError, DeviceID: msg.DeviceID, Role: protocol.RoleDevice, Message: err.Error()})
		return
	}

	if s.state != StateDevice {
		s.deviceID = dev.ID
		s.state = StateDevice
		s.log = s.log.With().Str("device_id", dev.ID).Logger()
	}
	s.hub.presence.Lock()
	if prev := s.hub.registry.Register(dev.ID, s); prev != nil {
		s.log.Info().Str("superseded", prev.ID()).Msg("device reconnected")
	}
	s.hub.metrics.ConnectedDevices.Set(float64(s.hub.registry.Len()))
	// a session closing concurrently may have cleared the flag after the upsert
	if err := s.hub.store.SetOnline(ctx, dev.ID, true); err != nil {
		s.log.Error().Err(err).Msg("failed to mark device online")
	}
	s.hub.presence.Unlock()
	s.hub.events.Publish(dev.ID, events.Online, nil)
	s.log.Info().Bool("new", created).Msg("device registered")

	s.Send(&protocol.RegisterAck{Status: "success", DeviceID: dev.ID, Password: password, IsNew: created, Role: protocol.RoleDevice})
}

func (s *Session) handleFrontend(m protocol.Message) {
	msg, ok := m.(*protocol.SyncRequest)
	if !ok {
		s.log.Debug().Str("kind", string(m.Kind())).Msg("frontend frame ignored")
		return
	}
	if msg.DeviceID == "" {
		s.Send(&protocol.SyncFailed{Error: "device_id is required"})
		return
	}
	s.hub.engine.Request(msg.DeviceID, s.id, func(o reconcile.Outcome) {
		if o.Err != nil {
			s.hub.metrics.Syncs.WithLabelValues(syncLabel(o.Err)).Inc()
			s.Send(&protocol.SyncFailed{DeviceID: o.DeviceID, Error: o.Err.Error()})
			return
		}
		s.Send(&protocol.SyncComplete{DeviceID: o.DeviceID, Stats: o.Result.Stats()})
	})
}

func (s *Session) handleDevice(ctx context.Context, m protocol.Message) {
	id := s.deviceID
	switch msg := m.(type) {
	case *protocol.Register:
		s.registerDevice(ctx, &protocol.Register{
			DeviceID:        id,
			DeviceType:      msg.DeviceType,
			DeviceVersion:   msg.DeviceVersion,
			FirmwareVersion: msg.FirmwareVersion,
			ProtocolVersion: msg.ProtocolVersion,
			HardwareVersion: msg.HardwareVersion,
		})

	case *protocol.Heartbeat:
		_, err := s.hub.store.TouchHeartbeat(ctx, id, model.VersionInfo{})
		s.reply(m.Kind(), err)

	case *protocol.SyncResult:
		snap, skipped := reconcile.SnapshotFromMessage(msg)
		if skipped > 0 {
			s.log.Warn().Int("skipped", skipped).Msg("invalid entries in sync result")
		}
		res, err := s.hub.engine.Apply(ctx, id, snap)
		if err != nil {
			s.hub.metrics.Syncs.WithLabelValues("error").Inc()
			s.log.Error().Err(err).Msg("sync apply failed")
			s.ack(m.Kind(), ackError, err.Error())
			return
		}
		s.hub.metrics.Syncs.WithLabelValues("applied").Inc()
		s.hub.events.Publish(id, events.Sync, res.Stats())
		s.log.Info().Int("mutations", res.Mutations()).Msg("sync applied")
		s.Send(&protocol.SyncComplete{DeviceID: id, Stats: res.Stats()})

	case *protocol.ConfirmFeedingPlan:
		key := model.PlanKey{Day: msg.DayOfWeek, Hour: msg.Hour, Minute: msg.Minute}
		_, err := s.hub.store.ConfirmPlan(ctx, id, key, msg.FeedingAmount)
		s.reply(m.Kind(), err)

	case *protocol.ConfirmDeleteFeedingPlan:
		key := model.PlanKey{Day: msg.DayOfWeek, Hour: msg.Hour, Minute: msg.Minute}
		_, err := s.hub.store.ConfirmPlanDelete(ctx, id, key)
		s.reply(m.Kind(), err)

	case *protocol.ConfirmManualFeeding:
		key := model.ManualKey{Hour: msg.Hour, Minute: msg.Minute, Amount: msg.FeedingAmount}
		_, err := s.hub.store.ConfirmManualFeeding(ctx, id, key)
		s.reply(m.Kind(), err)

	case *protocol.ConfirmDeleteManualFeeding:
		_, err := s.hub.store.ConfirmManualDelete(ctx, id, msg.Hour, msg.Minute, msg.FeedingAmount)
		s.reply(m.Kind(), err)

	case *protocol.ManualFeedingReport:
		key := model.ManualKey{Hour: msg.Hour, Minute: msg.Minute, Amount: msg.FeedingAmount}
		var at *time.Time
		if t, ok := protocol.EpochTime(msg.Timestamp); ok {
			at = &t
		}
		_, rec, err := s.hub.store.ExecuteManualFeeding(ctx, id, key, at, msg.ActualAmount)
		if err == nil {
			s.hub.ReportFeeding(rec)
		}
		s.reply(m.Kind(), err)

	case *protocol.FeedingRecordReport:
		rec := &model.FeedingRecord{
			DeviceID:      id,
			DayOfWeek:     msg.DayOfWeek,
			Hour:          msg.Hour,
			Minute:        msg.Minute,
			FeedingAmount: msg.FeedingAmount,
			ActualAmount:  msg.ActualAmount,
			Status:        model.FeedingStatus(msg.Status),
		}
		if t, ok := protocol.EpochTime(msg.Timestamp); ok {
			rec.CreatedAt = t
		}
		err := s.hub.store.AddFeedingRecord(ctx, rec)
		if err == nil {
			s.hub.ReportFeeding(rec)
		}
		s.reply(m.Kind(), err)

	case *protocol.GrainWeight:
		if !msg.GrainWeight.Valid {
			s.log.Warn().Msg("non-finite grain weight discarded")
			s.ack(m.Kind(), ackIgnored, "grain_weight must be a finite number")
			return
		}
		_, err := s.hub.ReportGrain(ctx, id, msg.GrainWeight.Value)
		s.reply(m.Kind(), err)

	case *protocol.VersionCheck:
		msg.DeviceID = id
		res, err := s.hub.versions.Check(ctx, msg)
		if err != nil {
			s.reply(m.Kind(), err)
			return
		}
		s.Send(res)

	case *protocol.OTAStatus:
		msg.DeviceID = id
		terminal, err := s.hub.versions.RecordStatus(ctx, msg)
		if err != nil {
			s.reply(m.Kind(), err)
			return
		}
		s.hub.events.Publish(id, events.OTAStatus, msg)
		if terminal {
			s.hub.observers.broadcast(msg)
			s.hub.alerts.Notify(notification.Alert{
				DeviceID: id,
				Kind:     notification.AlertOTA,
				Title:    "Firmware update " + msg.Status,
				Body:     otaBody(msg),
			})
		}
		s.ack(m.Kind(), ackOK, "")

	case *protocol.RollbackRequest:
		msg.DeviceID = id
		res, err := s.hub.versions.Rollback(ctx, msg)
		if err != nil {
			s.reply(m.Kind(), err)
			return
		}
		s.Send(res)

	default:
		s.log.Debug().Str("kind", string(m.Kind())).Msg("device frame ignored")
	}
}

// reply acknowledges a device report. A missing row is not an error for the
// connection; it is logged and reported back as not_found.
func (s *Session) reply(kind protocol.Kind, err error) {
	switch {
	case err == nil:
		s.ack(kind, ackOK, "")
	case errors.Is(err, store.ErrNotFound):
		s.log.Warn().Err(err).Str("kind", string(kind)).Msg("no matching row")
		s.ack(kind, ackNotFound, err.Error())
	default:
		s.log.Error().Err(err).Str("kind", string(kind)).Msg("frame handling failed")
		s.ack(kind, ackError, err.Error())
	}
}

func (s *Session) ack(kind protocol.Kind, status, message string) {
	s.Send(&protocol.Ack{For: kind, Status: status, Message: message})
}

func syncLabel(err error) string {
	switch {
	case errors.Is(err, reconcile.ErrDeviceNotConnected):
		return "not_connected"
	case errors.Is(err, reconcile.ErrSyncTimeout):
		return "timeout"
	}
	return "error"
}

func otaBody(msg *protocol.OTAStatus) string {
	if msg.Status == version.StatusSuccess || msg.ErrorMessage == "" {
		return msg.DeviceID + " reported " + msg.Status + " for " + msg.TargetVersion + "."
	}
	return msg.DeviceID + " failed to install " + msg.TargetVersion + ": " + msg.ErrorMessage
}
