// flashanalyze processes binary Saleae digital capture files of SPI NOR
// flash bus traffic and prints the instruction stream in human-readable
// form: opcode, address, and the data that moved in either direction.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/soypat/saleae"
	"github.com/soypat/saleae/analyzers"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "flashanalyze - Decode Saleae digital data files of 25-series SPI flash transactions.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	clk := flag.String("f-clk", "digital_0.bin", "Input filename: SPI clock.")
	enable := flag.String("f-cs", "digital_1.bin", "Input filename: SPI CS/SS.")
	mosi := flag.String("f-mosi", "digital_2.bin", "Input filename: SPI MOSI (host to chip).")
	miso := flag.String("f-miso", "digital_3.bin", "Input filename: SPI MISO (chip to host).")
	output := flag.String("o-cmd", "commands.txt", "Output filename of decoded flash instructions.")
	omitStatus := flag.Bool("omit-status", false, "Omit ReadStatus instructions (busy polling noise).")
	omitData := flag.Bool("omit-data", false, "Omit data payloads in output.")
	flag.Parse()

	dec := decoder{
		OmitStatus: *omitStatus,
		OmitData:   *omitData,
	}
	start := time.Now()
	if err := dec.run(*clk, *enable, *mosi, *miso, *output); err != nil {
		log.Fatal(err.Error())
	}
	log.Println("finished in", time.Since(start))
}

type decoder struct {
	OmitStatus bool
	OmitData   bool
}

func (dec *decoder) run(fclk, fenable, fmosi, fmiso, output string) error {
	const fmtMsg = "cmd×%2d %s data=%#x"
	cmds, err := dec.processSpiFiles(fclk, fenable, fmosi, fmiso)
	if err != nil {
		return err
	}
	fp, err := os.Create(output)
	if err != nil {
		return err
	}
	defer fp.Close()

	for _, c := range cmds {
		if dec.OmitStatus && c.Inst.Op == opReadStatus {
			continue
		}
		data := c.Data
		if dec.OmitData {
			data = []byte{}
		}
		if _, err := fmt.Fprintf(fp, fmtMsg, c.Num, c.Inst.String(), data); err != nil {
			return err
		}
		fmt.Fprintln(fp)
	}
	return nil
}

func (dec *decoder) processSpiFiles(fclk, fenable, fmosi, fmiso string) ([]flashTx, error) {
	clk, err := opendigital(fclk)
	if err != nil {
		return nil, err
	}
	enable, err := opendigital(fenable)
	if err != nil {
		return nil, err
	}
	mosi, err := opendigital(fmosi)
	if err != nil {
		return nil, err
	}
	miso, err := opendigital(fmiso)
	if err != nil {
		return nil, err
	}
	spi := analyzers.SPI{}
	txs, _ := spi.Scan(clk, enable, mosi, miso)
	return dec.process(txs), nil
}

func opendigital(filename string) (*saleae.DigitalFile, error) {
	fp, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	df, err := saleae.ReadDigitalFile(fp)
	if err != nil {
		return nil, err
	}
	return df, nil
}

// Flash instruction opcodes, straight from the 25-series instruction set.
const (
	opPageProgram = 0x02
	opRead        = 0x03
	opReadStatus  = 0x05
	opWriteEnable = 0x06
	opSectorErase = 0x20
	opEnableReset = 0x66
	opReadMfDevID = 0x90
	opReset       = 0x99
	opReadJEDECID = 0x9F
	opChipErase   = 0xC7
)

type instruction struct {
	Op      byte
	Addr    uint32
	HasAddr bool
}

func (inst instruction) String() string {
	name := opName(inst.Op)
	if inst.HasAddr {
		return fmt.Sprintf("op=%-12s addr=%#06x", name, inst.Addr)
	}
	return fmt.Sprintf("op=%-12s", name)
}

func opName(op byte) string {
	switch op {
	case opPageProgram:
		return "pageprogram"
	case opRead:
		return "read"
	case opReadStatus:
		return "readstatus"
	case opWriteEnable:
		return "writeenable"
	case opSectorErase:
		return "sectorerase"
	case opEnableReset:
		return "enablereset"
	case opReadMfDevID:
		return "readmfdevid"
	case opReset:
		return "reset"
	case opReadJEDECID:
		return "readjedecid"
	case opChipErase:
		return "chiperase"
	}
	return fmt.Sprintf("unknown(%#02x)", op)
}

// commandFromBytes decodes one CS-framed transfer. The data returned is
// the payload that mattered: outbound bytes for programs, inbound bytes
// for reads and register/id transfers.
func commandFromBytes(mosi, miso []byte) (inst instruction, data []byte) {
	if len(mosi) == 0 {
		return instruction{Op: 0, HasAddr: false}, nil
	}
	inst.Op = mosi[0]
	switch inst.Op {
	case opRead, opPageProgram, opSectorErase:
		if len(mosi) < 4 {
			return inst, nil
		}
		inst.Addr = uint32(mosi[1])<<16 | uint32(mosi[2])<<8 | uint32(mosi[3])
		inst.HasAddr = true
		if inst.Op == opPageProgram {
			data = mosi[4:]
		} else if inst.Op == opRead {
			data = miso[min(4, len(miso)):]
		}
	case opReadStatus, opReadJEDECID:
		// One byte of latency precedes the response.
		if len(miso) > 2 {
			data = miso[2:]
		}
	case opReadMfDevID:
		if len(miso) > 4 {
			data = miso[4:]
		}
	}
	return inst, data
}

type flashTx struct {
	Num   int
	Inst  instruction
	Data  []byte
	Start float64
}

func (dec *decoder) process(txs []analyzers.TxSPI) (ftxs []flashTx) {
	var accumulativeResults int = 1
	for i := 0; i < len(txs); i++ {
		tx := txs[i]
		inst, data := commandFromBytes(tx.SDO, tx.SDI)
		for j := i + 1; j < len(txs); j++ {
			nextinst, nextdata := commandFromBytes(txs[j].SDO, txs[j].SDI)
			if nextinst != inst || !bytes.Equal(data, nextdata) {
				break
			}
			accumulativeResults++
			i = j
		}
		ftxs = append(ftxs, flashTx{
			Num:   accumulativeResults,
			Inst:  inst,
			Data:  data,
			Start: tx.StartTime(),
		})
		accumulativeResults = 1
	}
	return ftxs
}
