package main

import (
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"

	"github.com/cephmsgr/go-msgr/internal/wire"
	"github.com/cephmsgr/go-msgr/msgr"
)

// waitSigint blocks the current goroutine until a SIGINT appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	conf, err := msgr.LoadConfig(os.Args[1])
	if err != nil {
		log.WithField("error", err).Fatal("Failed to parse config")
	}

	if conf.Logging.Level != "" {
		if lvl, err := log.ParseLevel(conf.Logging.Level); err != nil {
			log.WithField("level", conf.Logging.Level).Warn("Failed to set log level")
		} else {
			log.SetLevel(lvl)
		}
	}
	log.SetReportCaller(conf.Logging.ReportCaller)

	policies := msgr.NewStaticPolicyLookup(nil, msgr.Policy{
		Lossy:             false,
		Server:            true,
		ResetCheck:        true,
		FeaturesSupported: wire.FeatureNoSrcAddr | wire.FeatureMsgAuth | wire.FeatureReconnectSeq,
		ThrottleBytes:     msgr.NewThrottle(0),
		ThrottleMessages:  msgr.NewThrottle(0),
	})

	dispatcher := msgr.NewChannelDispatcher(256)
	local := msgr.NewPeerAddr(wire.FamilyIPv4, nil, 0, uint32(os.Getpid()))

	registry := msgr.NewMessenger(local, policies, 0, dispatcher)
	registry.SetPipeConfig(conf.PipeConfig())

	accepter := msgr.NewAccepter(registry, conf.PipeConfig(), conf.Bind.IPv6, conf.Bind.PortMin, conf.Bind.PortMax)
	effective, err := accepter.Bind("0.0.0.0", 0, 0, 0)
	if err != nil {
		log.WithField("error", err).Fatal("Failed to bind accepter")
	}
	log.WithField("addr", effective.String()).Info("Listening")
	accepter.Start()

	go func() {
		for {
			select {
			case sig, ok := <-dispatcher.Signals:
				if !ok {
					return
				}
				log.WithField("kind", sig.Kind).Info("pipe signal")
			case m, ok := <-dispatcher.Messages:
				if !ok {
					return
				}
				log.WithField("seq", m.Seq()).Debug("message dispatched")
			}
		}
	}()

	waitSigint()
	log.Info("Shutting down..")

	accepter.Stop()
	registry.Close()
}
