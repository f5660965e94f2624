package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/bringyour/synchub/synchub"
)

const SyncHubCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Sync hub control.

Hub urls select the transport:
    ws://host:port/ws      websocket
    http://host:port/sync  http
    udp://host:port        udp

Usage:
    synchubctl hub [--config=<config>] [--listen=<addr>] [--udp=<addr>]
    synchubctl sync --url=<url> [--user=<user>] [--token=<token>] [--db=<db>]
        [--clt=<clt>] [--timeout=<timeout>] <tasks>
    synchubctl listen --url=<url> [--user=<user>] [--token=<token>] [--db=<db>]
        [--cont=<cont>...] [--message=<message>...]
        [--message_count=<message_count>]
    synchubctl token --secret=<secret> --user=<user> [--valid=<valid>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --config=<config>                Hub YAML config.
    --listen=<addr>                  Http listen address for /ws, /sync and /metrics.
    --udp=<addr>                     Udp listen address.
    --url=<url>                      Hub url.
    --user=<user>                    User id.
    --token=<token>                  User token or JWT.
    --db=<db>                        Database name.
    --clt=<clt>                      Durable client id.
    --timeout=<timeout>              Request timeout [default: 30s].
    --cont=<cont>                    Subscribe to all changes of the container.
    --message=<message>              Subscribe to messages. Accepts * and prefix*.
    --message_count=<message_count>  Print this many events then exit.
    --secret=<secret>                HS256 secret.
    --valid=<valid>                  Token lifetime [default: 24h].
    <tasks>                          JSON array of tasks, e.g. [{"task":"read","cont":"articles","ids":["a"]}]`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SyncHubCtlVersion)
	if err != nil {
		panic(err)
	}

	if hub_, _ := opts.Bool("hub"); hub_ {
		hub(opts)
	} else if sync_, _ := opts.Bool("sync"); sync_ {
		sync(opts)
	} else if listen_, _ := opts.Bool("listen"); listen_ {
		listen(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// indented json on a terminal, one line per value otherwise
func printJson(value any) {
	var b []byte
	var err error
	if term.IsTerminal(int(os.Stdout.Fd())) {
		b, err = json.MarshalIndent(value, "", "  ")
	} else {
		b, err = json.Marshal(value)
	}
	if err != nil {
		Err.Printf("%s", err)
		return
	}
	Out.Printf("%s", b)
}

func hub(opts docopt.Opts) {
	configPath, _ := opts.String("--config")
	config, err := LoadHubConfig(configPath)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	if listenAddr, err := opts.String("--listen"); err == nil && listenAddr != "" {
		config.Listen = listenAddr
	}
	if udpAddr, err := opts.String("--udp"); err == nil && udpAddr != "" {
		config.Udp = udpAddr
	}

	ctx, cancel := signalContext()
	defer cancel()

	hubSettings := synchub.DefaultHubSettings()
	hubSettings.DefaultDatabase = config.DefaultDatabase
	hubSettings.MaxTasks = config.MaxTasks
	h := synchub.NewHub(ctx, hubSettings)
	defer h.Close()

	for _, name := range config.Databases {
		h.AddDatabase(synchub.NewMemoryDatabase(name))
	}
	if config.MonitorDatabase != "" {
		h.AddDatabase(synchub.NewMonitorDatabase(config.MonitorDatabase, h))
	}
	if config.Events.Enabled {
		sequencerSettings := synchub.DefaultEventSequencerSettings()
		if 0 < config.Events.ClientIdleTimeout {
			sequencerSettings.ClientIdleTimeout = config.Events.ClientIdleTimeout
		}
		if 0 < config.Events.SweepInterval {
			sequencerSettings.SweepInterval = config.Events.SweepInterval
		}
		h.EnableEvents(sequencerSettings)
	}
	h.SetAuthenticator(config.authenticator())
	h.SetAuthorizer(config.authorizer())

	if config.Udp != "" {
		udpServer, err := synchub.NewUdpServerWithDefaults(ctx, h, config.Udp)
		if err != nil {
			Err.Fatalf("%s", err)
		}
		defer udpServer.Close()
		go func() {
			if err := udpServer.Run(); err != nil {
				Err.Printf("udp: %s", err)
			}
		}()
		Out.Printf("udp %s", udpServer.LocalAddr())
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", synchub.NewWebSocketServerWithDefaults(ctx, h))
	mux.Handle("/sync", synchub.NewHttpHandler(h))
	mux.Handle("/metrics", synchub.NewMetricsHandler(h))
	server := &http.Server{
		Addr:    config.Listen,
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	Out.Printf("hub %s listen %s databases %s", h.HostId(), config.Listen, strings.Join(h.DatabaseNames(), ", "))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		Err.Fatalf("%s", err)
	}
}

func newTransport(ctx context.Context, hubUrl string) (synchub.Transport, error) {
	u, err := url.Parse(hubUrl)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "ws", "wss":
		return synchub.NewWebSocketTransportWithDefaults(ctx, hubUrl), nil
	case "http", "https":
		return synchub.NewHttpTransportWithDefaults(ctx, hubUrl), nil
	case "udp":
		return synchub.NewUdpTransportWithDefaults(ctx, u.Host)
	default:
		return nil, fmt.Errorf("unsupported url scheme: %s", u.Scheme)
	}
}

func newClient(ctx context.Context, opts docopt.Opts, requestTimeout time.Duration) (*synchub.Client, *synchub.Channel) {
	hubUrl, _ := opts.String("--url")
	transport, err := newTransport(ctx, hubUrl)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	channelSettings := synchub.DefaultChannelSettings()
	if 0 < requestTimeout {
		channelSettings.RequestTimeout = requestTimeout
	}
	channel := synchub.NewChannel(ctx, transport, channelSettings)

	clientSettings := synchub.DefaultClientSettings()
	clientSettings.UserId, _ = opts.String("--user")
	clientSettings.Token, _ = opts.String("--token")
	clientSettings.Database, _ = opts.String("--db")
	clientSettings.ClientId, _ = opts.String("--clt")
	client := synchub.NewClient(ctx, channel, clientSettings)

	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connectCancel()
	if err := channel.WaitForConnect(connectCtx); err != nil {
		Err.Fatalf("connect %s: %s", hubUrl, err)
	}
	return client, channel
}

type taskOutput struct {
	Task   string                  `json:"task"`
	Result *synchub.SyncTaskResult `json:"result,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

// runs one batch and prints a result per task
func sync(opts docopt.Opts) {
	tasksJson, _ := opts.String("<tasks>")
	timeoutStr, _ := opts.String("--timeout")
	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil {
		Err.Fatalf("--timeout: %s", err)
	}

	var syncTasks []*synchub.SyncTask
	if err := json.Unmarshal([]byte(tasksJson), &syncTasks); err != nil {
		Err.Fatalf("<tasks>: %s", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	client, channel := newClient(ctx, opts, timeout)
	defer channel.Close()

	for _, syncTask := range syncTasks {
		if _, err := client.AddTask(synchub.NewTaskFromSyncTask(syncTask)); err != nil {
			Err.Fatalf("%s", err)
		}
	}
	result, err := client.TrySyncTasks(ctx)
	if err != nil {
		Err.Fatalf("%s", err)
	}

	outputs := []*taskOutput{}
	for _, task := range result.Tasks {
		output := &taskOutput{
			Task: task.String(),
		}
		if taskErr := task.Err(); taskErr != nil {
			output.Error = taskErr.Error()
		} else {
			output.Result = task.SyncResult()
		}
		outputs = append(outputs, output)
	}
	printJson(outputs)
	if !result.Success() {
		os.Exit(1)
	}
}

// subscribes and prints events
func listen(opts docopt.Opts) {
	containers, _ := opts["--cont"].([]string)
	messages, _ := opts["--message"].([]string)
	messageCount := -1
	if _, ok := opts["--message_count"].(string); ok {
		messageCount, _ = opts.Int("--message_count")
	}
	if len(containers) == 0 && len(messages) == 0 {
		Err.Fatalf("nothing to listen to. Use --cont or --message.")
	}

	ctx, cancel := signalContext()
	defer cancel()

	client, channel := newClient(ctx, opts, 0)
	defer channel.Close()

	events := make(chan *synchub.EventMessage, 64)
	client.AddEventCallback(func(event *synchub.EventMessage) {
		select {
		case events <- event:
		default:
			Err.Printf("drop event seq=%d", event.Seq)
		}
	})

	client.QueueEvents(true)
	for _, container := range containers {
		client.SubscribeChanges(container, synchub.AllChanges, "", nil)
	}
	for _, name := range messages {
		client.SubscribeMessage(name, nil)
	}
	if _, err := client.Sync(ctx); err != nil {
		Err.Fatalf("%s", err)
	}
	Err.Printf("listening as %s", client.ClientId())

	for i := 0; messageCount < 0 || i < messageCount; i += 1 {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			printJson(event)
		}
	}
}

func token(opts docopt.Opts) {
	secret, _ := opts.String("--secret")
	userId, _ := opts.String("--user")
	validStr, _ := opts.String("--valid")
	valid, err := time.ParseDuration(validStr)
	if err != nil {
		Err.Fatalf("--valid: %s", err)
	}
	jwt, err := synchub.NewJwtToken([]byte(secret), userId, valid)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s", jwt)
}
