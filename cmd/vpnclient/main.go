// Command vpnclient is a reference OpenVPN client built on this engine.
// It negotiates a session, optionally runs an in-tunnel ping, and
// otherwise creates a kernel TUN device and installs routes through it.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/Doridian/water"
	"github.com/apex/log"
	"github.com/jackpal/gateway"

	"github.com/ovpnkit/ovpnkit/extras/ping"
	"github.com/ovpnkit/ovpnkit/internal/model"
	"github.com/ovpnkit/ovpnkit/internal/runtimex"
	"github.com/ovpnkit/ovpnkit/pkg/config"
	"github.com/ovpnkit/ovpnkit/pkg/tunnel"
)

func runCmd(binaryPath string, args ...string) {
	cmd := exec.Command(binaryPath, args...)
	cmd.Stderr = os.Stderr
	cmd.Stdout = os.Stdout
	cmd.Stdin = os.Stdin
	if err := cmd.Run(); err != nil {
		log.WithError(err).Warnf("error running %s", binaryPath)
	}
}

func runIP(args ...string) {
	runCmd("/sbin/ip", args...)
}

func runRoute(args ...string) {
	runCmd("/sbin/route", args...)
}

type cmdConfig struct {
	configPath string
	doPing     bool
	skipRoute  bool
	timeout    int
	verbose    bool
}

func main() {
	cfg := &cmdConfig{}
	flag.StringVar(&cfg.configPath, "config", "", "config file to load")
	flag.BoolVar(&cfg.doPing, "ping", false, "if true, do ping and exit (for testing)")
	flag.BoolVar(&cfg.skipRoute, "skip-route", false, "if true, exit without setting routes (for testing)")
	flag.IntVar(&cfg.timeout, "timeout", 60, "timeout in seconds")
	flag.BoolVar(&cfg.verbose, "verbose", false, "enable debug logs")
	flag.Parse()

	if cfg.configPath == "" {
		fmt.Println("[error] need config path")
		os.Exit(1)
	}

	setupLogging(cfg.verbose)

	vpncfg := config.NewConfig(
		config.WithConfigFile(cfg.configPath),
		config.WithLogger(log.Log),
	)

	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.timeout)*time.Second)
	defer cancel()

	// create a vpn tun Device
	tun, err := tunnel.Start(ctx, &net.Dialer{}, vpncfg)
	if err != nil {
		log.WithError(err).Error("init error")
		return
	}
	defer tun.Close()

	// the owner consumes the session events from a channel
	go func() {
		for ev := range tun.Events() {
			switch ev := ev.(type) {
			case model.EventStatusChanged:
				log.Infof("status: %s", ev.Status)
			case model.EventStopped:
				log.Infof("stopped: %s (reconnect=%v)", ev.Reason, ev.ShouldReconnect)
			}
		}
	}()

	log.Infof("Local IP: %s", tun.LocalAddr())
	log.Infof("Gateway:  %s", tun.RemoteAddr())

	fmt.Println("initialization-sequence-completed")
	fmt.Printf("elapsed: %v\n", time.Since(start))

	if cfg.doPing {
		pinger := ping.New("8.8.8.8", tun)
		pinger.Count = 5
		if err := pinger.Run(context.Background()); err != nil {
			log.WithError(err).Fatal("ping error")
		}
		log.Infof("ping loss: %.1f%% rtts: %v", pinger.PacketLoss()*100, pinger.RTTs())
		return
	}

	if cfg.skipRoute {
		return
	}

	// create a tun interface on the OS
	iface, err := water.New(water.Config{DeviceType: water.TUN})
	runtimex.PanicOnError(err, "unable to open tun interface")
	iface.SetMTU(1420)

	localAddr := tun.LocalAddr().String()
	remoteAddr := tun.RemoteAddr().String()
	netMask := tun.NetMask()

	// discover the local gateway IP: we need it to add a route to our
	// remote via the physical network gateway
	defaultGatewayIP, err := gateway.DiscoverGateway()
	if err != nil {
		log.Warn("could not discover default gateway IP, routes might be broken")
	}
	defaultInterfaceIP, err := gateway.DiscoverInterface()
	if err != nil {
		log.Warn("could not discover default route interface IP, routes might be broken")
	}
	defaultInterface, err := getInterfaceByIP(defaultInterfaceIP.String())
	if err != nil {
		log.Warn("could not get default route interface, routes might be broken")
	}

	if defaultGatewayIP != nil && defaultInterface != nil {
		log.Infof("route add %s gw %v dev %s", vpncfg.Remote().IPAddr, defaultGatewayIP, defaultInterface.Name)
		runRoute("add", vpncfg.Remote().IPAddr, "gw", defaultGatewayIP.String(), defaultInterface.Name)
	}

	// we want the network CIDR for setting up the routes
	network := &net.IPNet{
		IP:   net.ParseIP(localAddr).Mask(netMask),
		Mask: netMask,
	}

	// configure the interface and bring it up
	runIP("addr", "add", localAddr, "dev", iface.Name())
	runIP("link", "set", "dev", iface.Name(), "up")
	runRoute("add", remoteAddr, "gw", localAddr)
	runRoute("add", "-net", network.String(), "dev", iface.Name())
	runIP("route", "add", "default", "via", remoteAddr, "dev", iface.Name())

	go func() {
		for {
			packet := make([]byte, 2000)
			n, err := iface.Read(packet)
			if err != nil {
				log.WithError(err).Fatal("error reading from tun device")
			}
			tun.Write(packet[:n])
		}
	}()
	go func() {
		for {
			packet := make([]byte, 2000)
			n, err := tun.Read(packet)
			if err != nil {
				log.WithError(err).Fatal("error reading from the vpn")
			}
			iface.Write(packet[:n])
		}
	}()
	select {}
}

// getInterfaceByIP returns the network interface owning the given IP.
func getInterfaceByIP(ipAddr string) (*net.Interface, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.String() == ipAddr {
				return &iface, nil
			}
		}
	}
	return nil, fmt.Errorf("no interface found for IP: %s", ipAddr)
}
