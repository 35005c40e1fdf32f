package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expo/internal/broker"
	"expo/internal/events"
	"expo/internal/protocol"
)

func TestUserLifecycle(t *testing.T) {
	store := setupTestStore(t)

	count, err := store.CountUsers()
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	user, err := store.CreateUser("admin", "tenant-1", "$argon2id$hash")
	require.NoError(t, err)
	assert.Equal(t, "admin", user.Username)
	assert.Equal(t, "tenant-1", user.TenantID)

	loaded, err := store.GetUserByUsername("admin")
	require.NoError(t, err)
	assert.Equal(t, user.ID, loaded.ID)
	assert.Equal(t, "$argon2id$hash", loaded.PasswordHash)

	// Duplicate usernames are rejected by the schema.
	_, err = store.CreateUser("admin", "tenant-2", "hash")
	assert.Error(t, err)
}

func TestAlertPersistence(t *testing.T) {
	store := setupTestStore(t)

	for i, severity := range []string{events.SeverityLow, events.SeverityHigh, events.SeverityCritical} {
		err := store.RecordAlert(events.Event{
			Type:      events.TypeConnectionDegraded,
			Severity:  severity,
			DeviceID:  "device-1",
			Message:   "degraded",
			Timestamp: time.Now().Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	alerts, err := store.RecentAlerts(2)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	// Most recent first.
	assert.Equal(t, events.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, events.SeverityHigh, alerts[1].Severity)
}

func TestDispatchAudit(t *testing.T) {
	store := setupTestStore(t)

	base := time.Now()
	records := []*broker.AuditRecord{
		{CorrelationID: "c1", TargetID: "printer-1", TenantID: "tenant-1", OperationType: "print.test", Outcome: "success", ElapsedMs: 120, CreatedAt: base},
		{CorrelationID: "c2", TargetID: "printer-2", TenantID: "tenant-1", OperationType: "print.job", Outcome: "timeout", Error: "request timed out", ElapsedMs: 15000, CreatedAt: base.Add(time.Second)},
		{CorrelationID: "c3", TargetID: "printer-1", TenantID: "tenant-1", OperationType: "drawer.kick", Outcome: "failure", Error: "paper out", ElapsedMs: 80, CreatedAt: base.Add(2 * time.Second)},
	}
	for _, rec := range records {
		require.NoError(t, store.RecordDispatch(rec))
	}

	all, err := store.RecentDispatches("", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c3", all[0].CorrelationID)

	byTarget, err := store.RecentDispatches("printer-1", 10)
	require.NoError(t, err)
	require.Len(t, byTarget, 2)
	for _, rec := range byTarget {
		assert.Equal(t, "printer-1", rec.TargetID)
	}
}

func TestAgentDirectory(t *testing.T) {
	store := setupTestStore(t)

	info := &protocol.RegisterInfo{
		DeviceID: "agent-1",
		TenantID: "tenant-1",
		Role:     "expo",
		Printers: []protocol.PrinterInfo{
			{TargetID: "printer-1", Model: "TM-T88V", Address: "10.0.0.5:9100"},
		},
	}
	require.NoError(t, store.UpsertAgent(info))

	agents, err := store.ListAgents()
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "agent-1", agents[0].DeviceID)
	assert.Equal(t, "tenant-1", agents[0].TenantID)
	assert.Contains(t, agents[0].Printers, "printer-1")

	// Re-registration updates in place rather than duplicating.
	info.TenantID = "tenant-2"
	info.Printers = append(info.Printers, protocol.PrinterInfo{TargetID: "printer-2", Model: "TM-T88V", Address: "10.0.0.6:9100"})
	require.NoError(t, store.UpsertAgent(info))

	agents, err = store.ListAgents()
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "tenant-2", agents[0].TenantID)
	assert.Contains(t, agents[0].Printers, "printer-2")
}
