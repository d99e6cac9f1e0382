/*
Package main in the directory config_gen implements a tool to read configuration from a template,
and generate customized configuration files for each node.
The generated configuration file particularly contains the public/private keys for ED25519.
*/
package main

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/quorumnet/pbft/sign"
)

func main() {
	viperRead := viper.New()

	// for environment variables
	viperRead.SetEnvPrefix("")
	viperRead.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperRead.SetEnvKeyReplacer(replacer)

	viperRead.SetConfigName("config_template")
	viperRead.AddConfigPath("./")
	if err := viperRead.ReadInConfig(); err != nil {
		panic(err)
	}

	// deal with cluster as a string map
	clusterMapInterface := viperRead.GetStringMap("cluster_ips")
	nodeNumber := len(clusterMapInterface)
	clusterMapString := make(map[string]string, nodeNumber)
	for name, addr := range clusterMapInterface {
		addrAsString, ok := addr.(string)
		if !ok {
			panic("cluster in the config file cannot be decoded correctly")
		}
		clusterMapString[name] = addrAsString
	}

	// deal with p2p ports as a string map
	p2pPortMapInterface := viperRead.GetStringMap("peers_p2p_port")
	if nodeNumber != len(p2pPortMapInterface) {
		panic("peers_p2p_port does not match with cluster_ips")
	}
	p2pPortMap := make(map[string]int, nodeNumber)
	for name := range clusterMapString {
		portAsInterface, ok := p2pPortMapInterface[name]
		if !ok {
			panic("peers_p2p_port does not match with cluster_ips")
		}
		portAsInt, ok := portAsInterface.(int)
		if !ok {
			panic("p2p port in the config file cannot be decoded correctly")
		}
		p2pPortMap[name] = portAsInt
	}

	maxPool := viperRead.GetInt("max_pool")
	logLevel := viperRead.GetInt("log_level")
	consensusTimeoutMs := viperRead.GetInt("consensus_timeout_ms")
	waterMarkWindow := viperRead.GetInt("high_watermark_window")
	storageDir := viperRead.GetString("storage_dir")

	// create the ED25519 keys for the whole cluster
	privKeys := make(map[string]string, nodeNumber)
	pubKeys := make(map[string]string, nodeNumber)
	for name := range clusterMapString {
		privKey, pubKey := sign.GenED25519Keys()
		privKeys[name] = hex.EncodeToString(privKey)
		pubKeys[name] = hex.EncodeToString(pubKey)
	}

	// write one configuration file per node
	for name := range clusterMapString {
		viperWrite := viper.New()
		idStr := name[4:]
		id, err := strconv.Atoi(idStr)
		if err != nil {
			panic(err)
		}
		viperWrite.SetConfigFile("./config_" + strconv.Itoa(id) + ".yaml")
		viperWrite.Set("name", name)
		viperWrite.Set("privkeyed", privKeys[name])
		viperWrite.Set("cluster_pubkeyed", pubKeys)
		viperWrite.Set("cluster_ips", clusterMapString)
		viperWrite.Set("peers_p2p_port", p2pPortMap)
		viperWrite.Set("max_pool", maxPool)
		viperWrite.Set("log_level", logLevel)
		viperWrite.Set("consensus_timeout_ms", consensusTimeoutMs)
		viperWrite.Set("high_watermark_window", waterMarkWindow)
		if storageDir != "" {
			viperWrite.Set("storage_dir", storageDir+"/"+name)
		}
		if err := viperWrite.WriteConfig(); err != nil {
			panic(err)
		}
	}
}
