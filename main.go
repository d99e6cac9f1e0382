package main

import (
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quorumnet/pbft/config"
	"github.com/quorumnet/pbft/front"
	"github.com/quorumnet/pbft/pbft"
	"github.com/quorumnet/pbft/protocol"
	"github.com/quorumnet/pbft/storage"
)

var conf *config.Config
var err error

func init() {
	conf, err = config.LoadConfig("", "config")
	if err != nil {
		panic(err)
	}
}

func main() {
	transport, err := front.NewTransport(conf.Name, conf.ClusterPort[conf.Name],
		conf.ClusterAddr, conf.ClusterPort, conf.MaxPool, nil)
	if err != nil {
		panic(err)
	}
	ledger, err := storage.Open(conf.StorageDir, conf.WaterMarkWindow(), nil)
	if err != nil {
		panic(err)
	}

	engine := pbft.NewEngine(conf, transport, ledger, pbft.HashValidator{})
	consensus := pbft.New(engine)

	// every stable checkpoint feeds the ledger configuration back into
	// the engine
	ledger.RegisterConfigResetHandler(func(ledgerConfig *protocol.LedgerConfig) {
		consensus.AsyncNotifyNewBlock(ledgerConfig, nil)
	})

	consensus.Start()
	fmt.Println("node starts the PBFT!")

	if conf.MetricsPort > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(engine.Registry(), promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(":"+strconv.Itoa(conf.MetricsPort), mux); err != nil {
				fmt.Println("metrics endpoint stopped:", err)
			}
		}()
	}

	// wait for each node to start
	time.Sleep(15 * time.Second)
	if err = transport.EstablishConns(); err != nil {
		panic(err)
	}

	submitLoop(consensus)
}

// submitLoop plays the proposal submitter: whenever this node leads
// the next index, it proposes a fresh batch.
func submitLoop(consensus *pbft.PBFT) {
	for {
		index := conf.ProgressedIndex()
		if conf.LeaderIndex(index) == conf.NodeIndex() {
			data := generateBatch(250)
			hash := protocol.HashProposalData(data)
			consensus.AsyncSubmitProposal(data, index, hash, nil)
		}
		time.Sleep(time.Second)
	}
}

// generateBatch builds a payload with s random bytes.
func generateBatch(s int) []byte {
	var batch []byte
	rand.Seed(time.Now().UnixNano())
	for i := 0; i < s; i++ {
		batch = append(batch, byte(rand.Intn(200)))
	}
	return batch
}
