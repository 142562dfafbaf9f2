package pipeline

import (
	"context"

	"github.com/apex/log"

	"threatscan/internal/cache/disk"
	"threatscan/internal/dataio"
)

const answerFile = "answer.csv"

func (p *Pipeline) localAnswer(ctx context.Context, wd *disk.WorkDir, a ModeArgs) (Answer, error) {
	if err := a.Mode.Require(testModes...); err != nil {
		return Answer{}, err
	}
	preds, err := p.LocalPredictions.Call(ctx, a)
	if err != nil {
		return Answer{}, err
	}
	return writeAnswer(wd, preds, false)
}

// globalAnswer clips probabilities before writing them.
func (p *Pipeline) globalAnswer(ctx context.Context, wd *disk.WorkDir, a GlobalTestArgs) (Answer, error) {
	if err := a.Mode.Require(testModes...); err != nil {
		return Answer{}, err
	}
	preds, err := p.GlobalPredictions.Call(ctx, a)
	if err != nil {
		return Answer{}, err
	}
	return writeAnswer(wd, dataio.Clip(preds, dataio.ClipLow, dataio.ClipHigh), true)
}

func writeAnswer(wd *disk.WorkDir, preds dataio.Predictions, clipped bool) (Answer, error) {
	rows, err := dataio.WriteAnswerFile(wd.Join(answerFile), preds)
	if err != nil {
		return Answer{}, err
	}
	log.WithFields(log.Fields{"stage": wd.Stage(), "rows": rows, "path": wd.Join(answerFile)}).Info("answer written")
	return Answer{File: answerFile, Rows: rows, Scans: len(preds), Clipped: clipped}, nil
}
