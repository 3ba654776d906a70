package device

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Spatial-NVR/plategate/internal/command"
	"github.com/Spatial-NVR/plategate/internal/ports"
	"github.com/Spatial-NVR/plategate/internal/supervisor"
	"github.com/Spatial-NVR/plategate/internal/transport"
	"github.com/Spatial-NVR/plategate/internal/worker"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

var (
	ack  = json.RawMessage("true")
	nack = json.RawMessage("false")
)

type mockCommander struct {
	mock.Mock
}

func (m *mockCommander) ConnectEndpoint(ep transport.Endpoint) error {
	args := m.Called(ep)
	return args.Error(0)
}

func (m *mockCommander) Disconnect() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockCommander) SendMessage(v any) (json.RawMessage, error) {
	args := m.Called(v)
	reply, _ := args.Get(0).(json.RawMessage)
	return reply, args.Error(1)
}

func isState(state command.TargetState) any {
	return mock.MatchedBy(func(r command.Request) bool {
		return r.TargetState == state && r.DeviceSpecificConfig == nil
	})
}

type fakeProcess struct {
	mu         sync.Mutex
	pid        int
	alive      bool
	ignoreTerm bool
	terms      int
	kills      int
	exitErr    error
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) IsAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terms++
	if !p.ignoreTerm {
		p.alive = false
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kills++
	p.alive = false
	return nil
}

func (p *fakeProcess) Join(time.Duration) bool {
	return !p.IsAlive()
}

func (p *fakeProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.alive {
		return nil
	}
	return p.exitErr
}

func (p *fakeProcess) exit() {
	p.mu.Lock()
	p.alive = false
	p.exitErr = errors.New("exit status 1")
	p.mu.Unlock()
}

type fakeSpawner struct {
	mu        sync.Mutex
	specs     []supervisor.Spec
	processes []*fakeProcess
	err       error
}

func (s *fakeSpawner) Spawn(spec supervisor.Spec) (supervisor.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p := &fakeProcess{pid: 1000 + len(s.processes), alive: true}
	s.specs = append(s.specs, spec)
	s.processes = append(s.processes, p)
	return p, nil
}

func (s *fakeSpawner) spawned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processes)
}

func (s *fakeSpawner) last() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processes[len(s.processes)-1]
}

func newTestRegistry(spawner *fakeSpawner, cmd *mockCommander) *Registry {
	return NewRegistry(Options{
		Launcher:     Launcher{Spawner: spawner, Binary: "plategate-worker", GracefulTimeout: time.Second},
		EventsPort:   12030,
		NewCommander: func() Commander { return cmd },
		Logger:       discard,
	})
}

func cam1() Spec {
	return Spec{
		Name:         "cam1",
		Location:     LocationLocal,
		Address:      "tcp://127.0.0.1",
		ListenerPort: 5555,
		VideoSource:  "0",
		Role:         RoleEntry,
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in      string
		want    Status
		wantErr bool
	}{
		{"ON", StatusOn, false},
		{"off", StatusOff, false},
		{" Unknown ", StatusUnknown, false},
		{"PAUSED", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStatus(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLocationAndRole(t *testing.T) {
	loc, err := ParseLocation("nonlocal")
	require.NoError(t, err)
	assert.Equal(t, LocationRemote, loc)

	loc, err = ParseLocation("LOCAL")
	require.NoError(t, err)
	assert.Equal(t, LocationLocal, loc)

	_, err = ParseLocation("cloud")
	assert.Error(t, err)

	role, err := ParseRole("exit")
	require.NoError(t, err)
	assert.Equal(t, RoleExit, role)

	_, err = ParseRole("sideways")
	assert.Error(t, err)
}

func TestNewCommunicationConfig(t *testing.T) {
	comm, err := NewCommunicationConfig("tcp://10.0.0.2", 5555, "", 12030)
	require.NoError(t, err)
	assert.Equal(t, "tcp://10.0.0.2:5555", comm.Listener.String())
	assert.Equal(t, "tcp://10.0.0.2:12030", comm.Callback.String())

	comm, err = NewCommunicationConfig("tcp://10.0.0.2", 5555, "tcp://10.0.0.1", 12030)
	require.NoError(t, err)
	assert.Equal(t, "tcp://10.0.0.1:12030", comm.Callback.String())

	comm, err = NewCommunicationConfig("tcp://10.0.0.2", 5555, "", 0)
	require.NoError(t, err)
	assert.True(t, comm.Callback.IsZero())

	_, err = NewCommunicationConfig("tcp://10.0.0.2", 0, "", 0)
	assert.Error(t, err)
}

func TestRegistry_AddDeviceTwice(t *testing.T) {
	cmd := new(mockCommander)
	r := newTestRegistry(&fakeSpawner{}, cmd)

	assert.True(t, r.AddDevice(cam1()))

	other := cam1()
	other.Address = "tcp://10.9.9.9"
	other.VideoSource = "rtsp://elsewhere"
	other.Location = LocationRemote
	assert.False(t, r.AddDevice(other))

	snap, ok := r.Get("cam1")
	require.True(t, ok)
	assert.Equal(t, "tcp://127.0.0.1", snap.Address)
	assert.Equal(t, "0", snap.VideoSource)
	assert.Equal(t, LocationLocal, snap.Location)
	assert.Equal(t, StatusOff, snap.Status)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_AddDeviceRejectsInvalid(t *testing.T) {
	r := newTestRegistry(&fakeSpawner{}, new(mockCommander))

	assert.False(t, r.AddDevice(Spec{Location: LocationLocal, Address: "tcp://127.0.0.1", ListenerPort: 5555}))

	bad := cam1()
	bad.ListenerPort = 0
	assert.False(t, r.AddDevice(bad))

	bad = cam1()
	bad.Location = LocationRemote
	bad.Address = ""
	assert.False(t, r.AddDevice(bad))

	assert.Zero(t, r.Len())
}

func TestRegistry_AllocatesListenerPort(t *testing.T) {
	pm := ports.NewManager()
	r := NewRegistry(Options{
		Launcher:     Launcher{Spawner: &fakeSpawner{}, Binary: "plategate-worker"},
		EventsPort:   12030,
		NewCommander: func() Commander { return new(mockCommander) },
		Ports:        pm,
		Logger:       discard,
	})

	spec := cam1()
	spec.ListenerPort = 0
	require.True(t, r.AddDevice(spec))

	snap, _ := r.Get("cam1")
	assert.GreaterOrEqual(t, snap.ListenerPort, ports.DynamicPortStart)
	owner, ok := pm.Owner(snap.ListenerPort)
	assert.True(t, ok)
	assert.Equal(t, "cam1", owner)

	require.True(t, r.RemoveDevice("cam1"))
	_, ok = pm.Owner(snap.ListenerPort)
	assert.False(t, ok, "port should be released with the device")
}

func TestRegistry_StopNeverStarted(t *testing.T) {
	cmd := new(mockCommander)
	spawner := &fakeSpawner{}
	r := newTestRegistry(spawner, cmd)
	require.True(t, r.AddDevice(cam1()))

	assert.False(t, r.StopDevice("cam1"))
	assert.False(t, r.HandleDeviceUpdate("cam1", StatusOff, command.ConfigFields{}))

	cmd.AssertNotCalled(t, "SendMessage", mock.Anything)
	cmd.AssertNotCalled(t, "Disconnect")
	assert.Zero(t, spawner.spawned())
}

func TestRegistry_UnknownDevice(t *testing.T) {
	r := newTestRegistry(&fakeSpawner{}, new(mockCommander))

	assert.False(t, r.StartDevice("ghost"))
	assert.False(t, r.StopDevice("ghost"))
	assert.False(t, r.HandleDeviceUpdate("ghost", StatusOn, command.ConfigFields{}))
	assert.False(t, r.RemoveDevice("ghost"))

	_, ok := r.DeviceStatus("ghost")
	assert.False(t, ok)
	_, ok = r.Get("ghost")
	assert.False(t, ok)
}

func TestRegistry_StartSpawnsOnce(t *testing.T) {
	cmd := new(mockCommander)
	cmd.On("ConnectEndpoint", mock.Anything).Return(nil).Once()
	spawner := &fakeSpawner{}
	r := newTestRegistry(spawner, cmd)
	require.True(t, r.AddDevice(cam1()))

	assert.True(t, r.StartDevice("cam1"))
	status, _ := r.DeviceStatus("cam1")
	assert.Equal(t, StatusOn, status)

	assert.False(t, r.StartDevice("cam1"))
	assert.False(t, r.HandleDeviceUpdate("cam1", StatusOn, command.ConfigFields{}))
	assert.Equal(t, 1, spawner.spawned())
	cmd.AssertExpectations(t)

	spec := spawner.specs[0]
	assert.Equal(t, "cam1", spec.Name)
	assert.Equal(t, "plategate-worker", spec.Binary)

	s, err := worker.ParseSettings(spec.Env)
	require.NoError(t, err)
	assert.Equal(t, "cam1", s.Name)
	assert.Equal(t, "tcp://127.0.0.1", s.ListenAddress)
	assert.Equal(t, 5555, s.ListenPort)
	assert.Equal(t, 12030, s.EventsPort)
	assert.Equal(t, "ENTRY", s.Role)
}

func TestRegistry_StartSpawnFailure(t *testing.T) {
	cmd := new(mockCommander)
	r := newTestRegistry(&fakeSpawner{err: errors.New("no such binary")}, cmd)
	require.True(t, r.AddDevice(cam1()))

	assert.False(t, r.StartDevice("cam1"))
	status, _ := r.DeviceStatus("cam1")
	assert.Equal(t, StatusOff, status)
	cmd.AssertNotCalled(t, "ConnectEndpoint", mock.Anything)
}

func TestRegistry_StartConnectFailureTerminates(t *testing.T) {
	cmd := new(mockCommander)
	cmd.On("ConnectEndpoint", mock.Anything).Return(errors.New("dial failed"))
	spawner := &fakeSpawner{}
	r := newTestRegistry(spawner, cmd)
	require.True(t, r.AddDevice(cam1()))

	assert.False(t, r.StartDevice("cam1"))
	status, _ := r.DeviceStatus("cam1")
	assert.Equal(t, StatusOff, status)
	require.Equal(t, 1, spawner.spawned())
	assert.False(t, spawner.last().IsAlive())
}

func TestRegistry_StopWithoutReplyTerminates(t *testing.T) {
	cmd := new(mockCommander)
	cmd.On("ConnectEndpoint", mock.Anything).Return(nil)
	cmd.On("SendMessage", isState(command.StateOff)).Return(nil, transport.ErrTimeout).Once()
	cmd.On("Disconnect").Return(nil).Once()
	spawner := &fakeSpawner{}
	r := newTestRegistry(spawner, cmd)
	require.True(t, r.AddDevice(cam1()))
	require.True(t, r.StartDevice("cam1"))

	assert.True(t, r.HandleDeviceUpdate("cam1", StatusOff, command.ConfigFields{}))

	p := spawner.last()
	assert.False(t, p.IsAlive())
	assert.Equal(t, 1, p.terms)
	status, _ := r.DeviceStatus("cam1")
	assert.Equal(t, StatusOff, status)
	cmd.AssertExpectations(t)
}

func TestRegistry_StopEscalatesToKill(t *testing.T) {
	cmd := new(mockCommander)
	cmd.On("ConnectEndpoint", mock.Anything).Return(nil)
	cmd.On("SendMessage", isState(command.StateOff)).Return(ack, nil)
	cmd.On("Disconnect").Return(nil)
	spawner := &fakeSpawner{}
	r := newTestRegistry(spawner, cmd)
	require.True(t, r.AddDevice(cam1()))
	require.True(t, r.StartDevice("cam1"))

	p := spawner.last()
	p.mu.Lock()
	p.ignoreTerm = true
	p.mu.Unlock()

	assert.True(t, r.StopDevice("cam1"))
	assert.False(t, p.IsAlive())
	assert.Equal(t, 1, p.kills)
}

func TestRegistry_ExitedWorker(t *testing.T) {
	cmd := new(mockCommander)
	cmd.On("ConnectEndpoint", mock.Anything).Return(nil)
	cmd.On("Disconnect").Return(nil)
	spawner := &fakeSpawner{}
	r := newTestRegistry(spawner, cmd)
	require.True(t, r.AddDevice(cam1()))
	require.True(t, r.StartDevice("cam1"))

	spawner.last().exit()
	assert.EqualError(t, spawner.last().ExitErr(), "exit status 1")

	status, _ := r.DeviceStatus("cam1")
	assert.Equal(t, StatusUnknown, status)

	// A dead worker is not asked to turn OFF
	assert.True(t, r.StopDevice("cam1"))
	cmd.AssertNotCalled(t, "SendMessage", mock.Anything)
	status, _ = r.DeviceStatus("cam1")
	assert.Equal(t, StatusOff, status)
}

func TestRegistry_UpdateAddress(t *testing.T) {
	fields := command.ConfigFields{
		Address:      command.String("tcp://10.0.0.7"),
		ListenerPort: command.Int(6000),
	}
	want := command.Configuration(fields)

	tests := []struct {
		name        string
		reply       json.RawMessage
		err         error
		wantOK      bool
		wantAddress string
	}{
		{"acknowledged", ack, nil, true, "tcp://10.0.0.7:5555"},
		{"rejected", nack, nil, false, "tcp://127.0.0.1:5555"},
		{"no reply", nil, transport.ErrTimeout, false, "tcp://127.0.0.1:5555"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := new(mockCommander)
			cmd.On("ConnectEndpoint", mock.Anything).Return(nil)
			cmd.On("SendMessage", want).Return(tt.reply, tt.err).Once()
			r := newTestRegistry(&fakeSpawner{}, cmd)
			require.True(t, r.AddDevice(cam1()))
			require.True(t, r.StartDevice("cam1"))

			assert.Equal(t, tt.wantOK, r.HandleDeviceUpdate("cam1", StatusOn, fields))

			address, ok := r.DeviceAddress("cam1")
			require.True(t, ok)
			assert.Equal(t, tt.wantAddress, address)
			cmd.AssertNumberOfCalls(t, "SendMessage", 1)
			cmd.AssertExpectations(t)

			snap, _ := r.Get("cam1")
			assert.Equal(t, 5555, snap.ListenerPort)
		})
	}
}

func TestRegistry_UpdateRequiresRunning(t *testing.T) {
	cmd := new(mockCommander)
	r := newTestRegistry(&fakeSpawner{}, cmd)
	require.True(t, r.AddDevice(cam1()))

	assert.False(t, r.HandleDeviceUpdate("cam1", StatusOn, command.ConfigFields{VideoSource: command.String("1")}))
	cmd.AssertNotCalled(t, "SendMessage", mock.Anything)
}

func TestRegistry_InvalidRequestedStatus(t *testing.T) {
	cmd := new(mockCommander)
	r := newTestRegistry(&fakeSpawner{}, cmd)
	require.True(t, r.AddDevice(cam1()))

	assert.False(t, r.HandleDeviceUpdate("cam1", StatusUnknown, command.ConfigFields{}))
	assert.False(t, r.HandleDeviceUpdate("cam1", Status("PAUSED"), command.ConfigFields{}))
	cmd.AssertNotCalled(t, "ConnectEndpoint", mock.Anything)
}

func TestRegistry_Cam1Scenario(t *testing.T) {
	cmd := new(mockCommander)
	cmd.On("ConnectEndpoint", transport.Endpoint{Scheme: "tcp", Host: "127.0.0.1", Port: 5555}).Return(nil).Once()
	cmd.On("SendMessage", mock.MatchedBy(func(r command.Request) bool {
		data, err := r.Encode()
		return err == nil && string(data) == `{"target_state":"CONFIGURE","device_specific_config":{"video_source":"1"}}`
	})).Return(ack, nil).Once()
	cmd.On("SendMessage", isState(command.StateOff)).Return(ack, nil).Once()
	cmd.On("Disconnect").Return(nil).Once()

	spawner := &fakeSpawner{}
	r := newTestRegistry(spawner, cmd)

	require.True(t, r.AddDevice(cam1()))
	require.True(t, r.StartDevice("cam1"))
	status, _ := r.DeviceStatus("cam1")
	assert.Equal(t, StatusOn, status)

	require.True(t, r.HandleDeviceUpdate("cam1", StatusOn, command.ConfigFields{VideoSource: command.String("1")}))
	snap, _ := r.Get("cam1")
	assert.Equal(t, "1", snap.VideoSource)

	require.True(t, r.StopDevice("cam1"))
	status, _ = r.DeviceStatus("cam1")
	assert.Equal(t, StatusOff, status)
	assert.False(t, spawner.last().IsAlive())
	cmd.AssertExpectations(t)
}

func TestRemoteDevice_StartUnconfirmed(t *testing.T) {
	cmd := new(mockCommander)
	cmd.On("ConnectEndpoint", mock.Anything).Return(nil)
	cmd.On("SendMessage", isState(command.StateOn)).Return(nack, nil)
	r := newTestRegistry(&fakeSpawner{}, cmd)

	gate := cam1()
	gate.Name = "gate"
	gate.Location = LocationRemote
	require.True(t, r.AddDevice(gate))

	assert.True(t, r.StartDevice("gate"))
	status, _ := r.DeviceStatus("gate")
	assert.Equal(t, StatusOn, status)
	loc, _ := r.DeviceLocation("gate")
	assert.Equal(t, LocationRemote, loc)
}

func TestRemoteDevice_StopWithoutAckStaysOn(t *testing.T) {
	cmd := new(mockCommander)
	cmd.On("ConnectEndpoint", mock.Anything).Return(nil)
	cmd.On("SendMessage", isState(command.StateOn)).Return(ack, nil)
	cmd.On("SendMessage", isState(command.StateOff)).Return(nil, transport.ErrTimeout).Once()
	cmd.On("SendMessage", isState(command.StateOff)).Return(ack, nil).Once()
	cmd.On("Disconnect").Return(nil).Once()
	r := newTestRegistry(&fakeSpawner{}, cmd)

	gate := cam1()
	gate.Name = "gate"
	gate.Location = LocationRemote
	require.True(t, r.AddDevice(gate))
	require.True(t, r.StartDevice("gate"))

	assert.False(t, r.StopDevice("gate"))
	status, _ := r.DeviceStatus("gate")
	assert.Equal(t, StatusOn, status)

	assert.True(t, r.StopDevice("gate"))
	status, _ = r.DeviceStatus("gate")
	assert.Equal(t, StatusOff, status)
	cmd.AssertExpectations(t)
}

func TestRegistry_SnapshotAndAccessors(t *testing.T) {
	r := newTestRegistry(&fakeSpawner{}, new(mockCommander))

	exit := cam1()
	exit.Name = "z-exit"
	exit.Role = RoleExit
	exit.CaptureImages = true
	exit.Location = LocationRemote
	exit.Address = "tcp://10.0.0.9"
	require.True(t, r.AddDevice(exit))
	require.True(t, r.AddDevice(cam1()))

	snaps := r.Snapshot()
	require.Len(t, snaps, 2)
	assert.Equal(t, "cam1", snaps[0].Name)
	assert.Equal(t, "z-exit", snaps[1].Name)

	role, ok := r.DeviceRole("z-exit")
	require.True(t, ok)
	assert.Equal(t, RoleExit, role)
	persist, ok := r.DevicePersistence("z-exit")
	require.True(t, ok)
	assert.True(t, persist)
	address, _ := r.DeviceAddress("z-exit")
	assert.Equal(t, "tcp://10.0.0.9:5555", address)

	data, err := json.Marshal(snaps[1])
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"z-exit","status":"OFF","address":"tcp://10.0.0.9","listener_port":5555,
		"video_source":"0","location":"REMOTE","role":"EXIT","persistence":true}`, string(data))

	assert.True(t, r.RemoveDevice("z-exit"))
	assert.Len(t, r.Snapshot(), 1)
}

func TestRegistry_OnChange(t *testing.T) {
	cmd := new(mockCommander)
	cmd.On("ConnectEndpoint", mock.Anything).Return(nil)

	var changes []Snapshot
	r := NewRegistry(Options{
		Launcher:     Launcher{Spawner: &fakeSpawner{}},
		NewCommander: func() Commander { return cmd },
		OnChange:     func(s Snapshot) { changes = append(changes, s) },
		Logger:       discard,
	})
	require.True(t, r.AddDevice(cam1()))

	require.True(t, r.StartDevice("cam1"))
	assert.False(t, r.StartDevice("cam1"))

	require.Len(t, changes, 1)
	assert.Equal(t, StatusOn, changes[0].Status)
}

func TestRegistry_CloseStopsRunning(t *testing.T) {
	cmd := new(mockCommander)
	cmd.On("ConnectEndpoint", mock.Anything).Return(nil)
	cmd.On("SendMessage", isState(command.StateOff)).Return(ack, nil)
	cmd.On("Disconnect").Return(nil)
	spawner := &fakeSpawner{}
	r := newTestRegistry(spawner, cmd)

	for _, name := range []string{"cam1", "cam2", "cam3"} {
		s := cam1()
		s.Name = name
		require.True(t, r.AddDevice(s))
	}
	require.True(t, r.StartDevice("cam1"))
	require.True(t, r.StartDevice("cam2"))

	r.Close()

	for _, s := range r.Snapshot() {
		assert.Equal(t, StatusOff, s.Status, s.Name)
	}
	for _, p := range spawner.processes {
		assert.False(t, p.IsAlive())
	}
	cmd.AssertNumberOfCalls(t, "SendMessage", 2)
}
