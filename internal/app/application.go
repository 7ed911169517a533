package app

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/raffle/internal/app/events"
	"github.com/R3E-Network/raffle/internal/app/services/automation"
	"github.com/R3E-Network/raffle/internal/app/services/bank"
	"github.com/R3E-Network/raffle/internal/app/services/raffle"
	"github.com/R3E-Network/raffle/internal/app/services/vrf"
	"github.com/R3E-Network/raffle/internal/app/storage"
	"github.com/R3E-Network/raffle/internal/app/storage/memory"
	"github.com/R3E-Network/raffle/internal/app/system"
	"github.com/R3E-Network/raffle/internal/config"
	"github.com/R3E-Network/raffle/pkg/logger"
)

// vrfKeyVersion is mixed into the HKDF info when deriving the proving key.
const vrfKeyVersion = "v1"

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Raffles  storage.RaffleStore
	Balances storage.BalanceStore
}

// Application ties the raffle, its oracle and its background services
// together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger
	config  config.Config

	Raffle *raffle.Service
	Bank   *bank.Bank
	Vault  *bank.Vault

	// Exactly one of Coordinator and Relay is set.
	Coordinator *vrf.LocalCoordinator
	Relay       *vrf.Relay
	Fulfiller   *vrf.Fulfiller

	Keeper *automation.Keeper
	Bus    *events.Bus
	Events *events.Recorder
	Hub    *events.Hub
}

// New builds a fully initialised application. Extra sinks (for example a
// Redis stream publisher) receive every event alongside the built-in ones.
func New(ctx context.Context, cfg config.Config, stores Stores, log *logger.Logger, sinks ...events.Sink) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mem := memory.New()
	if stores.Raffles == nil {
		stores.Raffles = mem
	}
	if stores.Balances == nil {
		stores.Balances = mem
	}

	recorder := events.NewRecorder(512)
	hub := events.NewHub(log.Named("events-ws"))
	bus := events.NewBus(1024, log.Named("events"), append([]events.Sink{recorder, hub}, sinks...)...)

	bankSvc := bank.New(stores.Balances, log.Named("bank"))
	raffleAddr := common.HexToAddress(cfg.Raffle.Address)
	vault := bankSvc.Vault(raffleAddr)
	coordAddr := common.HexToAddress(cfg.VRF.Coordinator)

	a := &Application{
		manager: system.NewManager(),
		log:     log,
		config:  cfg,
		Bank:    bankSvc,
		Vault:   vault,
		Bus:     bus,
		Events:  recorder,
		Hub:     hub,
	}

	var coordinator vrf.Coordinator
	var subID uint64
	var key *ecdsa.PrivateKey
	if cfg.VRF.Local {
		if cfg.VRF.KeySeed != "" {
			var err error
			if key, err = vrf.DeriveKey([]byte(cfg.VRF.KeySeed), vrfKeyVersion); err != nil {
				return nil, fmt.Errorf("derive vrf key: %w", err)
			}
		}
		local, id, err := newLocalCoordinator(cfg, coordAddr, raffleAddr, key, bus, log)
		if err != nil {
			return nil, err
		}
		a.Coordinator = local
		a.Fulfiller = vrf.NewFulfiller(local, cfg.VRF.FulfilPollInterval, cfg.VRF.BlockTime, log.Named("vrf-fulfiller"))
		coordinator, subID = local, id
	} else {
		a.Relay = vrf.NewRelay(coordAddr, bus, log.Named("vrf-relay"))
		coordinator = a.Relay
	}

	params, err := cfg.RaffleParams(subID)
	if err != nil {
		return nil, err
	}
	if key != nil {
		params.KeyHash = vrf.KeyHash(&key.PublicKey)
	}

	svc, err := raffle.New(ctx, params, coordinator, vault, stores.Raffles,
		raffle.WithCollector(vault),
		raffle.WithNotifier(bus),
		raffle.WithLogger(log.Named("raffle")),
	)
	if err != nil {
		return nil, fmt.Errorf("build raffle: %w", err)
	}
	a.Raffle = svc
	if a.Coordinator != nil {
		a.Coordinator.Bind(raffleAddr, svc)
		if pending := svc.PendingRequest(); pending != nil {
			log.WithField("request_id", pending.RequestID).
				WithField("request_timeout", cfg.Raffle.RequestTimeout.String()).
				Warn("pending request predates the local coordinator; it is answered only after a reissue")
		}
	} else {
		a.Relay.Bind(raffleAddr, svc)
	}

	services := []system.Service{bus}
	if cfg.Raffle.KeeperEnabled {
		keeper, err := automation.NewKeeper(cfg.Raffle.KeeperSchedule, log.Named("keeper"), svc)
		if err != nil {
			return nil, err
		}
		a.Keeper = keeper
		services = append(services, keeper)
	} else {
		log.Warn("keeper disabled; upkeep must be performed through the API")
	}
	if a.Fulfiller != nil {
		services = append(services, a.Fulfiller)
	}
	for _, s := range services {
		if err := a.manager.Register(s); err != nil {
			return nil, fmt.Errorf("register %s: %w", s.Name(), err)
		}
	}
	return a, nil
}

func newLocalCoordinator(cfg config.Config, coordAddr, consumer common.Address, key *ecdsa.PrivateKey, notifier events.Notifier, log *logger.Logger) (*vrf.LocalCoordinator, uint64, error) {
	amounts := make(map[string]*uint256.Int, 3)
	for name, raw := range map[string]string{
		"base fee":          cfg.VRF.BaseFee,
		"gas price":         cfg.VRF.GasPriceLink,
		"subscription fund": cfg.VRF.SubscriptionFund,
	} {
		v, err := config.ParseAmount(raw)
		if err != nil {
			return nil, 0, fmt.Errorf("vrf %s: %w", name, err)
		}
		amounts[name] = v
	}

	opts := []vrf.Option{vrf.WithNotifier(notifier), vrf.WithLogger(log.Named("vrf-coordinator"))}
	if key != nil {
		opts = append(opts, vrf.WithKey(key))
	} else {
		log.Warn("vrf.key_seed not set; local coordinator uses mock words without proofs")
	}
	local := vrf.NewLocalCoordinator(coordAddr, amounts["base fee"], amounts["gas price"], opts...)

	subID := local.CreateSubscription()
	if err := local.FundSubscription(subID, amounts["subscription fund"]); err != nil {
		return nil, 0, fmt.Errorf("fund subscription: %w", err)
	}
	if err := local.AddConsumer(subID, consumer); err != nil {
		return nil, 0, fmt.Errorf("add consumer: %w", err)
	}
	return local, subID, nil
}

// Config returns the configuration the application was built with.
func (a *Application) Config() config.Config { return a.config }

// Fulfil delivers oracle words on behalf of caller through whichever
// coordinator issued the request. The raffle checks that caller is the
// configured coordinator.
func (a *Application) Fulfil(ctx context.Context, caller common.Address, requestID uint64, words []*uint256.Int) error {
	if a.Relay != nil {
		return a.Relay.Deliver(ctx, caller, requestID, words)
	}
	return a.Coordinator.Deliver(ctx, caller, requestID, words)
}

// PendingRequests lists randomness requests the oracle has not answered.
func (a *Application) PendingRequests() []vrf.Request {
	if a.Coordinator != nil {
		return a.Coordinator.Pending()
	}
	return a.Relay.Pending()
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
