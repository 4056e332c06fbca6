package routine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/rpc"
	"os/exec"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"

	"github.com/mesh-intelligence/projectkit/pkg/types"
)

// Handshake is shared by the host and every routine plugin.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "PROJECTKIT_PLUGIN_MAGIC_COOKIE",
	MagicCookieValue: "projectkit-routine",
}

// Plugin names dispensed over the connection.
const (
	generatorPluginName = "generator"
	trainerPluginName   = "trainer"
)

// PluginMap is the set of plugins the host can dispense.
var PluginMap = map[string]plugin.Plugin{
	generatorPluginName: &GeneratorPlugin{},
	trainerPluginName:   &TrainerPlugin{},
}

// ServeOptions names the routines a plugin binary exposes.
type ServeOptions struct {
	Generator Generator
	Trainer   Trainer
}

// Serve runs a plugin process exposing opts. It blocks until the host
// disconnects. Call it from a plugin binary's main.
func Serve(opts ServeOptions) {
	plugins := map[string]plugin.Plugin{}
	if opts.Generator != nil {
		plugins[generatorPluginName] = &GeneratorPlugin{Impl: opts.Generator}
	}
	if opts.Trainer != nil {
		plugins[trainerPluginName] = &TrainerPlugin{Impl: opts.Trainer}
	}
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         plugins,
	})
}

// GeneratorPlugin carries a Generator across the plugin boundary.
type GeneratorPlugin struct {
	Impl Generator
}

// Server implements plugin.Plugin.
func (p *GeneratorPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &GeneratorRPCServer{Impl: p.Impl}, nil
}

// Client implements plugin.Plugin.
func (p *GeneratorPlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &generatorRPCClient{client: c}, nil
}

// TrainerPlugin carries a Trainer across the plugin boundary.
type TrainerPlugin struct {
	Impl Trainer
}

// Server implements plugin.Plugin.
func (p *TrainerPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &TrainerRPCServer{Impl: p.Impl, sessions: map[uint64]*trainSession{}}, nil
}

// Client implements plugin.Plugin.
func (p *TrainerPlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &trainerRPCClient{client: c}, nil
}

// GenerateArgs is the wire form of GenerateRequest. The sink is not sent:
// plugin stdout and stderr are relayed by the host.
type GenerateArgs struct {
	InputPath  string
	OutputPath string
	Params     []byte
}

// TrainArgs is the wire form of TrainRequest.
type TrainArgs struct {
	DataPath  string
	OutputDir string
	Params    []byte
}

// SessionArgs addresses one run inside a plugin.
type SessionArgs struct {
	Session uint64
}

// SaveArgs asks a plugin to save the model of an epoch.
type SaveArgs struct {
	Session uint64
	Epoch   int
	Path    string
}

// StartReply returns the session of a started run.
type StartReply struct {
	Session uint64
}

// NextReply is the wire form of one Epoch.
type NextReply struct {
	Done     bool
	Epoch    int
	Stats    []byte
	HasModel bool
}

// Ack acknowledges a call without a result.
type Ack struct {
	OK bool
}

// GeneratorRPCServer runs inside the plugin process.
type GeneratorRPCServer struct {
	Impl Generator
}

// Generate serves GeneratorRPC.Generate.
func (s *GeneratorRPCServer) Generate(args GenerateArgs, reply *Ack) error {
	var params types.Params
	if err := json.Unmarshal(args.Params, &params); err != nil {
		return err
	}
	err := s.Impl.Generate(context.Background(), GenerateRequest{
		InputPath:  args.InputPath,
		OutputPath: args.OutputPath,
		Params:     params,
		Sink:       pluginSink(),
	})
	reply.OK = err == nil
	return err
}

type generatorRPCClient struct {
	client *rpc.Client
}

func (c *generatorRPCClient) Generate(ctx context.Context, req GenerateRequest) error {
	params, err := json.Marshal(req.Params)
	if err != nil {
		return err
	}
	var ack Ack
	call := c.client.Go("Plugin.Generate", GenerateArgs{
		InputPath:  req.InputPath,
		OutputPath: req.OutputPath,
		Params:     params,
	}, &ack, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case done := <-call.Done:
		return remoteError(done.Error)
	}
}

type trainSession struct {
	run  Run
	last Epoch
}

// TrainerRPCServer runs inside the plugin process and keeps one session per
// started run.
type TrainerRPCServer struct {
	Impl Trainer

	mu       sync.Mutex
	nextID   uint64
	sessions map[uint64]*trainSession
}

// Start serves TrainerRPC.Start.
func (s *TrainerRPCServer) Start(args TrainArgs, reply *StartReply) error {
	var params types.Params
	if err := json.Unmarshal(args.Params, &params); err != nil {
		return err
	}
	run, err := s.Impl.Start(context.Background(), TrainRequest{
		DataPath:  args.DataPath,
		OutputDir: args.OutputDir,
		Params:    params,
		Sink:      pluginSink(),
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.sessions[s.nextID] = &trainSession{run: run}
	reply.Session = s.nextID
	return nil
}

func (s *TrainerRPCServer) session(id uint64) (*trainSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("unknown session %d", id)
	}
	return sess, nil
}

// Next serves TrainerRPC.Next.
func (s *TrainerRPCServer) Next(args SessionArgs, reply *NextReply) error {
	sess, err := s.session(args.Session)
	if err != nil {
		return err
	}
	e, ok, err := sess.run.Next(context.Background())
	if err != nil {
		return err
	}
	if !ok {
		reply.Done = true
		return nil
	}
	sess.last = e
	reply.Epoch = e.Epoch
	reply.Stats = e.Stats
	reply.HasModel = e.Model != nil
	return nil
}

// SaveModel serves TrainerRPC.SaveModel. Only the model of the most recent
// epoch can be saved.
func (s *TrainerRPCServer) SaveModel(args SaveArgs, reply *Ack) error {
	sess, err := s.session(args.Session)
	if err != nil {
		return err
	}
	if sess.last.Model == nil || sess.last.Epoch != args.Epoch {
		return fmt.Errorf("no model held for epoch %d", args.Epoch)
	}
	if err := sess.last.Model.Save(args.Path); err != nil {
		return err
	}
	reply.OK = true
	return nil
}

// Close serves TrainerRPC.Close.
func (s *TrainerRPCServer) Close(args SessionArgs, reply *Ack) error {
	s.mu.Lock()
	sess, ok := s.sessions[args.Session]
	delete(s.sessions, args.Session)
	s.mu.Unlock()
	if !ok {
		reply.OK = true
		return nil
	}
	err := sess.run.Close()
	reply.OK = err == nil
	return err
}

type trainerRPCClient struct {
	client *rpc.Client
}

func (c *trainerRPCClient) Start(ctx context.Context, req TrainRequest) (Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	params, err := json.Marshal(req.Params)
	if err != nil {
		return nil, err
	}
	var reply StartReply
	if err := c.client.Call("Plugin.Start", TrainArgs{
		DataPath:  req.DataPath,
		OutputDir: req.OutputDir,
		Params:    params,
	}, &reply); err != nil {
		return nil, remoteError(err)
	}
	return &rpcRun{client: c.client, session: reply.Session}, nil
}

type rpcRun struct {
	client  *rpc.Client
	session uint64
	closed  bool
}

func (r *rpcRun) Next(ctx context.Context) (Epoch, bool, error) {
	if err := ctx.Err(); err != nil {
		return Epoch{}, false, err
	}
	var reply NextReply
	if err := r.client.Call("Plugin.Next", SessionArgs{Session: r.session}, &reply); err != nil {
		return Epoch{}, false, remoteError(err)
	}
	if reply.Done {
		return Epoch{}, false, nil
	}
	e := Epoch{Epoch: reply.Epoch, Stats: reply.Stats}
	if reply.HasModel {
		e.Model = &rpcModel{run: r, epoch: reply.Epoch}
	}
	return e, true, nil
}

func (r *rpcRun) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	var ack Ack
	return remoteError(r.client.Call("Plugin.Close", SessionArgs{Session: r.session}, &ack))
}

type rpcModel struct {
	run   *rpcRun
	epoch int
}

func (m *rpcModel) Save(path string) error {
	var ack Ack
	return remoteError(m.run.client.Call("Plugin.SaveModel", SaveArgs{
		Session: m.run.session,
		Epoch:   m.epoch,
		Path:    path,
	}, &ack))
}

// remoteError flattens net/rpc errors, which arrive as plain strings.
func remoteError(err error) error {
	if err == nil {
		return nil
	}
	var se rpc.ServerError
	if errors.As(err, &se) {
		return fmt.Errorf("plugin: %s", string(se))
	}
	return err
}

// PluginGenerator launches Command for each Generate call.
type PluginGenerator struct {
	Command string
}

// Generate implements Generator.
func (g *PluginGenerator) Generate(ctx context.Context, req GenerateRequest) error {
	client, raw, err := launch(g.Command, generatorPluginName, req.Sink)
	if err != nil {
		return err
	}
	defer client.Kill()
	gen, ok := raw.(Generator)
	if !ok {
		return fmt.Errorf("%w: %s does not serve a generator", types.ErrUnknownRoutine, g.Command)
	}
	return gen.Generate(ctx, req)
}

// PluginTrainer launches Command for each started run. The process lives
// until the run is closed.
type PluginTrainer struct {
	Command string
}

// Start implements Trainer.
func (t *PluginTrainer) Start(ctx context.Context, req TrainRequest) (Run, error) {
	client, raw, err := launch(t.Command, trainerPluginName, req.Sink)
	if err != nil {
		return nil, err
	}
	trainer, ok := raw.(Trainer)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("%w: %s does not serve a trainer", types.ErrUnknownRoutine, t.Command)
	}
	run, err := trainer.Start(ctx, req)
	if err != nil {
		client.Kill()
		return nil, err
	}
	return &pluginRun{Run: run, client: client}, nil
}

type pluginRun struct {
	Run
	client *plugin.Client
}

func (r *pluginRun) Close() error {
	err := r.Run.Close()
	r.client.Kill()
	return err
}

// launch starts a plugin process and dispenses name from it.
func launch(command, name string, sink Sink) (*plugin.Client, interface{}, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, nil, fmt.Errorf("%w: empty plugin command", types.ErrUnknownRoutine)
	}
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginMap,
		Cmd:              exec.Command(fields[0], fields[1:]...),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
		SyncStdout:       sink.stdout(),
		SyncStderr:       sink.stderr(),
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:   "plugin",
			Output: sink.stderr(),
			Level:  hclog.Warn,
		}),
	})
	conn, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("starting plugin %s: %w", fields[0], err)
	}
	raw, err := conn.Dispense(name)
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("dispensing %s from %s: %w", name, fields[0], err)
	}
	return client, raw, nil
}
